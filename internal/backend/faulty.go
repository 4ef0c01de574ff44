package backend

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/tier"
)

// ErrInjected is the cause carried by faults a Faulty store injects.
var ErrInjected = errors.New("injected fault")

// Faulty wraps a store and injects failures. Tests use it to drive the
// sync state machine through its error paths.
type Faulty struct {
	tier.Store

	mu          sync.Mutex
	putErrs     []error
	getErrs     []error
	deleteErrs  []error
	corruptGets int
	puts        int
	gets        int
	deletes     int
	onPut       func(model.Envelope)
}

// NewFaulty wraps s.
func NewFaulty(s tier.Store) *Faulty {
	return &Faulty{Store: s}
}

// FailPuts makes the next Put calls return errs in order.
func (f *Faulty) FailPuts(errs ...error) {
	f.mu.Lock()
	f.putErrs = append(f.putErrs, errs...)
	f.mu.Unlock()
}

// FailGets makes the next Get calls return errs in order.
func (f *Faulty) FailGets(errs ...error) {
	f.mu.Lock()
	f.getErrs = append(f.getErrs, errs...)
	f.mu.Unlock()
}

// FailDeletes makes the next Delete calls return errs in order.
func (f *Faulty) FailDeletes(errs ...error) {
	f.mu.Lock()
	f.deleteErrs = append(f.deleteErrs, errs...)
	f.mu.Unlock()
}

// CorruptGets flips a byte in the content of the next n successful Gets.
func (f *Faulty) CorruptGets(n int) {
	f.mu.Lock()
	f.corruptGets += n
	f.mu.Unlock()
}

// OnPut registers a hook called before each Put reaches the inner store.
func (f *Faulty) OnPut(fn func(model.Envelope)) {
	f.mu.Lock()
	f.onPut = fn
	f.mu.Unlock()
}

// Calls returns how many Put, Get and Delete calls were made.
func (f *Faulty) Calls() (puts, gets, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, f.gets, f.deletes
}

// TransientFault returns an injected transient error.
func TransientFault(op string) error {
	return tier.Transient(op, ErrInjected)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *Faulty) Put(ctx context.Context, env model.Envelope, content []byte) error {
	f.mu.Lock()
	f.puts++
	err := pop(&f.putErrs)
	hook := f.onPut
	f.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	if err != nil {
		return err
	}
	return f.Store.Put(ctx, env, content)
}

func (f *Faulty) Get(ctx context.Context, recordID string) (model.Envelope, []byte, error) {
	f.mu.Lock()
	f.gets++
	err := pop(&f.getErrs)
	f.mu.Unlock()
	if err != nil {
		return model.Envelope{}, nil, err
	}

	env, content, err := f.Store.Get(ctx, recordID)
	if err != nil {
		return env, content, err
	}

	f.mu.Lock()
	corrupt := f.corruptGets > 0
	if corrupt {
		f.corruptGets--
	}
	f.mu.Unlock()
	if corrupt {
		if len(content) == 0 {
			content = []byte{0}
		} else {
			content[0] ^= 0xff
		}
	}
	return env, content, nil
}

func (f *Faulty) Delete(ctx context.Context, recordID string) error {
	f.mu.Lock()
	f.deletes++
	err := pop(&f.deleteErrs)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Delete(ctx, recordID)
}

func (f *Faulty) ListSince(ctx context.Context, since time.Time) iter.Seq2[model.Envelope, error] {
	return f.Store.ListSince(ctx, since)
}
