//go:build !sqlite
// +build !sqlite

package storage

import (
	"fmt"

	logx "relaybot/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, fmt.Errorf("%w: sqlite support requires building with -tags sqlite", ErrDisabled)
}
