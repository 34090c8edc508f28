// Package receiver holds receiver contracts: the directory the settlement
// coordinator dispatches through, a reference receiver and an HTTP transport.
package receiver

import (
	"context"
	"sort"
	"sync"

	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
)

// Func adapts a function to the Receiver interface.
type Func func(ctx context.Context, sender, amount, message string) (string, error)

func (f Func) OnReceive(ctx context.Context, sender, amount, message string) (string, error) {
	return f(ctx, sender, amount, message)
}

// Directory maps receiver accounts to their contracts. An account without an
// entry has no contract and cannot be notified.
type Directory struct {
	mu        sync.RWMutex
	receivers map[string]interfaces.Receiver
}

func NewDirectory() *Directory {
	return &Directory{receivers: make(map[string]interfaces.Receiver)}
}

// Deploy attaches a receiver contract to account, replacing any previous one.
func (d *Directory) Deploy(account string, r interfaces.Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receivers[account] = r
}

// Remove detaches the contract of account.
func (d *Directory) Remove(account string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.receivers, account)
}

// Lookup returns the contract deployed at account.
func (d *Directory) Lookup(account string) (interfaces.Receiver, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.receivers[account]
	return r, ok
}

// Accounts lists accounts with a deployed contract.
func (d *Directory) Accounts() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.receivers))
	for a := range d.receivers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
