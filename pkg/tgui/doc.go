// Package tgui provides small helpers for building Telegram keyboards and
// callback data on top of telebot types.
package tgui
