package checkpoint

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
	"github.com/engramdev/engram/internal/store"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Manager wraps checkpoint storage with naming rules and the automatic
// pre-operation snapshot taken before destructive operations.
type Manager struct {
	checkpoints *store.CheckpointStore
	logger      *slog.Logger
}

func NewManager(checkpoints *store.CheckpointStore, logger *slog.Logger) *Manager {
	return &Manager{checkpoints: checkpoints, logger: logger}
}

func (m *Manager) Create(name, specFolder string) (*models.Checkpoint, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	cp, err := m.checkpoints.Create(name, specFolder, false)
	if err != nil {
		return nil, err
	}
	m.logger.Info("checkpoint created", "name", name, "records", cp.RecordCount)
	return cp, nil
}

func (m *Manager) List() ([]*models.Checkpoint, error) {
	return m.checkpoints.List()
}

func (m *Manager) Delete(name string) error {
	return m.checkpoints.Delete(name)
}

func (m *Manager) Count() (int, error) {
	return m.checkpoints.Count()
}

// Restore reverts the store to a named checkpoint. A safety checkpoint of
// the current state is taken first; if that snapshot cannot be written the
// restore is refused unless the caller explicitly waives the backup.
func (m *Manager) Restore(name string, clearExisting, skipBackup bool) (int, error) {
	cp, err := m.checkpoints.GetByName(name)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, engramerr.NotFound("checkpoint %q does not exist", name).
			WithHint("list checkpoints to see available names")
	}

	if !skipBackup {
		if _, err := m.PreOperation("restore"); err != nil {
			return 0, engramerr.From(err).
				WithHint("pass skipBackup to restore without a safety checkpoint")
		}
	}

	restored, err := m.checkpoints.Restore(cp, clearExisting)
	if err != nil {
		return 0, err
	}
	m.logger.Info("checkpoint restored", "name", name, "records", restored, "cleared", clearExisting)
	return restored, nil
}

// PreOperation snapshots the current state before a destructive operation.
// Names are timestamped so repeated operations never collide.
func (m *Manager) PreOperation(operation string) (*models.Checkpoint, error) {
	name := fmt.Sprintf("pre-%s-%s", operation, time.Now().UTC().Format("20060102-150405"))
	cp, err := m.checkpoints.Create(name, "", true)
	if err != nil {
		return nil, fmt.Errorf("safety checkpoint before %s: %w", operation, err)
	}
	m.logger.Info("safety checkpoint taken", "name", name, "operation", operation)
	return cp, nil
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return engramerr.Validation("checkpoint name must not be empty")
	}
	if !nameRe.MatchString(name) {
		return engramerr.Validation("checkpoint name %q is invalid", name).
			WithHint("use letters, digits, dots, dashes or underscores, max 64 characters")
	}
	if strings.HasPrefix(name, "pre-") {
		return engramerr.Validation("the pre- prefix is reserved for automatic safety checkpoints")
	}
	return nil
}
