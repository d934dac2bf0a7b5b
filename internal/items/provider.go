package items

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rendis/deriva/internal/validation"
	"github.com/rendis/deriva/pkg/schema"
)

// Provider supplies the current item list. The scheduler calls Load on every
// tick, so implementations should be cheap when nothing changed.
type Provider interface {
	Load(ctx context.Context) ([]schema.ItemConfig, error)
}

// StaticProvider serves a fixed list.
type StaticProvider []schema.ItemConfig

// Load implements Provider.
func (p StaticProvider) Load(context.Context) ([]schema.ItemConfig, error) {
	return p, nil
}

// FileProvider reads the item list from a JSON file and re-reads it only when
// the modification time or size changes. A file that fails validation keeps
// the last good list in service and returns the error.
type FileProvider struct {
	path      string
	validator validation.Validator
	logger    *slog.Logger

	mu      sync.Mutex
	loaded  bool
	modTime time.Time
	size    int64
	items   []schema.ItemConfig
}

// NewFileProvider creates a provider for path. validator may be nil.
func NewFileProvider(path string, validator validation.Validator, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileProvider{path: path, validator: validator, logger: logger}
}

// Path returns the watched file.
func (p *FileProvider) Path() string { return p.path }

// Load implements Provider.
func (p *FileProvider) Load(ctx context.Context) ([]schema.ItemConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.path)
	if err != nil {
		return p.items, schema.NewErrorf(schema.ErrCodeNotFound, "item list %s not readable", p.path).WithCause(err)
	}
	if p.loaded && info.ModTime().Equal(p.modTime) && info.Size() == p.size {
		return p.items, nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return p.items, schema.NewErrorf(schema.ErrCodeNotFound, "item list %s not readable", p.path).WithCause(err)
	}
	if p.validator != nil {
		if err := p.validator.ValidateItems(data); err != nil {
			p.remember(info)
			return p.items, err
		}
	}
	items, err := schema.ParseItemList(data)
	if err != nil {
		p.remember(info)
		return p.items, err
	}

	p.items = items
	p.loaded = true
	p.remember(info)
	p.logger.InfoContext(ctx, "item list loaded", slog.String("path", p.path), slog.Int("items", len(items)))
	return items, nil
}

// remember records the file version so a broken file is not re-parsed on
// every tick. The last good list stays in service.
func (p *FileProvider) remember(info os.FileInfo) {
	p.modTime = info.ModTime()
	p.size = info.Size()
	p.loaded = true
}

var (
	_ Provider = StaticProvider(nil)
	_ Provider = (*FileProvider)(nil)
)
