package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Compilation is the set of named in-memory assets of one build pass.
type Compilation interface {
	AssetNames() []string
	Asset(name string) ([]byte, bool)
	// UpdateAsset adds name or replaces its contents.
	UpdateAsset(name string, data []byte)
	Logger() zerolog.Logger
}

// Handler processes a compilation and reports completion through done,
// possibly after it has returned.
type Handler func(ctx context.Context, comp Compilation, done func(error))

// Hook is the asset-processing stage a plugin registers against.
type Hook interface {
	TapAsync(name string, fn Handler)
}

// Compiler is the host build tool.
type Compiler interface {
	// Context is the project directory of the build.
	Context() string
	ProcessAssets() Hook
}

type tap struct {
	name string
	fn   Handler
}

// AsyncHook runs tapped handlers in registration order, waiting for each to
// signal completion before starting the next.
type AsyncHook struct {
	mu   sync.Mutex
	taps []tap
}

// TapAsync registers fn under name.
func (h *AsyncHook) TapAsync(name string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.taps = append(h.taps, tap{name: name, fn: fn})
}

// Call runs every handler against comp and stops at the first failure. It
// gives up waiting on a handler once ctx is done.
func (h *AsyncHook) Call(ctx context.Context, comp Compilation) error {
	h.mu.Lock()
	taps := append([]tap(nil), h.taps...)
	h.mu.Unlock()

	for _, t := range taps {
		result := make(chan error, 1)
		var once sync.Once
		t.fn(ctx, comp, func(err error) {
			once.Do(func() { result <- err })
		})
		select {
		case err := <-result:
			if err != nil {
				return fmt.Errorf("%s: %w", t.name, err)
			}
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", t.name, ctx.Err())
		}
	}
	return nil
}
