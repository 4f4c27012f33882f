package sqlite

import "github.com/blackmichael/tokrelay/internal/logging"

// MarkBlocked implements domain.Ledger. Cooldowns live in memory only, so a
// restart clears them.
func (l *Ledger) MarkBlocked(creator string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[creator] = l.now()
	l.logger.WithFields(logging.Fields{
		"creator":  creator,
		"cooldown": l.cooldown.String(),
	}).Warn("creator hard blocked, cooling down")
}

// IsBlocked implements domain.Ledger. An expired entry is dropped.
func (l *Ledger) IsBlocked(creator string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	at, ok := l.blocked[creator]
	if !ok {
		return false
	}
	if l.now().Sub(at) < l.cooldown {
		return true
	}
	delete(l.blocked, creator)
	l.logger.WithField("creator", creator).Info("cooldown expired")
	return false
}

// ClearBlocked implements domain.Ledger.
func (l *Ledger) ClearBlocked(creator string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.blocked[creator]; ok {
		delete(l.blocked, creator)
		l.logger.WithField("creator", creator).Info("cooldown cleared")
	}
}
