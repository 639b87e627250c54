// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase never imports zerolog directly:
// components take a logx.Logger, derive children with With(), and stay
// "live" when the Service swaps sinks at runtime (config hot reload).
//
// Sinks: console (human-readable), JSON file, and an optional rate-limited
// Telegram chat for WARN+ lines.
package logx
