package checkpoint

import (
	"errors"
	"strings"

	logx "cronpulse/pkg/logx"
)

const DefaultPath = "state/checkpoints.json"

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return OpenFile(cfg.Path, log)
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg, log)
	default:
		return nil, errors.New("unknown checkpoint driver: " + cfg.Driver)
	}
}
