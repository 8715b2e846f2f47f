package ledger

import "github.com/shopspring/decimal"

// SeedAccount is a test helper that installs an account with a fixed
// identifier and balance when using the in-memory store.
func SeedAccount(s Store, id int64, balance decimal.Decimal) {
	if mem, ok := s.(*InMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.accounts[id] = balance
		if id > mem.nextAccount {
			mem.nextAccount = id
		}
	}
}
