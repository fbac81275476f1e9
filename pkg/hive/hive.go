// Package hive groups bees. Membership is caller-driven; the group adds no
// coordination between its bees beyond running the same operation on each.
package hive

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-beekeeper/pkg/bee"
	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

type Hive struct {
	bees   []*bee.Bee
	index  map[string]*bee.Bee
	logger logging.Logger
	mutex  sync.RWMutex
}

func NewHive(logger logging.Logger) *Hive {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hive{
		index:  make(map[string]*bee.Bee),
		logger: logger,
	}
}

// Add appends b. IDs are unique within a hive.
func (h *Hive) Add(b *bee.Bee) error {
	if b == nil {
		return errors.NewValidationError("bee cannot be nil", nil)
	}

	id := b.ID()

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, exists := h.index[id]; exists {
		return errors.NewConflictError("bee already exists", nil).WithContext("id", id)
	}

	h.bees = append(h.bees, b)
	h.index[id] = b

	h.logger.Infof("Bee added, id: %s, bees: %d", id, len(h.bees))
	return nil
}

// Remove drops the bee from the hive and returns it. The bee itself is left
// as it is: killing and cleaning it up stays with the caller.
func (h *Hive) Remove(id string) (*bee.Bee, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	b, exists := h.index[id]
	if !exists {
		return nil, errors.NewNotFoundError("bee not found", nil).WithContext("id", id)
	}

	delete(h.index, id)
	for i, candidate := range h.bees {
		if candidate == b {
			h.bees = append(h.bees[:i], h.bees[i+1:]...)
			break
		}
	}

	h.logger.Infof("Bee removed, id: %s, state: %s, bees: %d", id, b.State(), len(h.bees))
	return b, nil
}

func (h *Hive) Get(id string) (*bee.Bee, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	b, exists := h.index[id]
	return b, exists
}

// Bees returns the members in insertion order.
func (h *Hive) Bees() []*bee.Bee {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return append([]*bee.Bee(nil), h.bees...)
}

func (h *Hive) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.bees)
}

// Each calls fn for every bee in order and stops at the first error. fn runs
// on a snapshot, so it may add or remove bees.
func (h *Hive) Each(fn func(*bee.Bee) error) error {
	for _, b := range h.Bees() {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hive) Statuses() []bee.Status {
	bees := h.Bees()
	statuses := make([]bee.Status, 0, len(bees))
	for _, b := range bees {
		statuses = append(statuses, b.Status())
	}
	return statuses
}

// StartSpec is how one bee is launched by StartAll.
type StartSpec struct {
	Port    int
	Options bee.StartOptions
}

// StartAll writes state files for bees that have none yet and starts every
// bee listed in specs. Bees without a spec are skipped. Failures are
// collected; one bee failing does not stop the others.
func (h *Hive) StartAll(ctx context.Context, specs map[string]StartSpec) error {
	return h.fanOut(ctx, "start", func(ctx context.Context, b *bee.Bee) error {
		spec, ok := specs[b.ID()]
		if !ok {
			h.logger.Debugf("No start spec, skipping, id: %s", b.ID())
			return nil
		}
		if b.State() == bee.StateCreated {
			if err := b.WriteStateFiles(); err != nil {
				return err
			}
		}
		_, err := b.Start(ctx, spec.Port, spec.Options)
		return err
	})
}

// WaitHealthyAll waits for every started bee to answer its health probe.
func (h *Hive) WaitHealthyAll(ctx context.Context) error {
	return h.fanOut(ctx, "wait healthy", func(ctx context.Context, b *bee.Bee) error {
		if !b.State().IsActive() {
			return nil
		}
		return b.WaitHealthy(ctx, 0)
	})
}

// KillAll kills every bee. optionsFor may be nil for default options.
func (h *Hive) KillAll(ctx context.Context, optionsFor func(*bee.Bee) bee.KillOptions) error {
	return h.fanOut(ctx, "kill", func(ctx context.Context, b *bee.Bee) error {
		var options bee.KillOptions
		if optionsFor != nil {
			options = optionsFor(b)
		}
		return b.Kill(ctx, options)
	})
}

func (h *Hive) CleanupAll(ctx context.Context) error {
	return h.fanOut(ctx, "cleanup", func(ctx context.Context, b *bee.Bee) error {
		return b.Cleanup(ctx)
	})
}

// fanOut runs op on every bee concurrently and collects every failure in
// hive order.
func (h *Hive) fanOut(ctx context.Context, name string, op func(context.Context, *bee.Bee) error) error {
	bees := h.Bees()
	results := make([]error, len(bees))

	var group errgroup.Group
	for i, b := range bees {
		i, b := i, b
		group.Go(func() error {
			if err := op(ctx, b); err != nil {
				results[i] = fmt.Errorf("bee %s: %s failed: %w", b.ID(), name, err)
			}
			return nil
		})
	}
	_ = group.Wait()

	collection := errors.NewErrorCollection()
	for _, err := range results {
		collection.Add(err)
	}
	if collection.HasErrors() {
		h.logger.Warnf("Hive %s finished with errors, failed: %d of %d", name, len(collection.Errors), len(bees))
	}
	return collection.ToError()
}
