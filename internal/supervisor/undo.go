package supervisor

import (
	"fmt"
	"sync"

	"github.com/Mic92/vmsh/internal/vmerr"
)

// undoToken is one reversible step taken against the target during attach
// (§9 "Scoped acquisition of resources"): a memslot registration, an irqfd
// install, an ioregion registration, or an injected page.
type undoToken struct {
	residue string // named for vmerr.Fatal if undo fails
	undo    func() error
}

// undoStack drains in LIFO order on detach; a token whose undo fails
// promotes the session to Fatal rather than aborting the unwind, so every
// other token still gets a chance to release its own resource.
type undoStack struct {
	mu     sync.Mutex
	tokens []undoToken
}

func (s *undoStack) push(residue string, undo func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, undoToken{residue: residue, undo: undo})
}

// unwind drains every token LIFO, collecting the first failure. Remaining
// tokens are still attempted: leaving several pieces of residue for one
// failed release is worse than leaving one.
func (s *undoStack) unwind() error {
	s.mu.Lock()
	tokens := s.tokens
	s.tokens = nil
	s.mu.Unlock()

	var firstErr error
	var failedResidue string
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := tokens[i]
		if err := tok.undo(); err != nil {
			if firstErr == nil {
				firstErr = err
				failedResidue = tok.residue
			} else {
				failedResidue = fmt.Sprintf("%s, %s", failedResidue, tok.residue)
			}
		}
	}
	if firstErr != nil {
		return vmerr.Fatal(failedResidue, firstErr)
	}
	return nil
}

// len reports how many undo tokens are outstanding, used by tests and by
// Session.Residue() to report what a Fatal abort left behind.
func (s *undoStack) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
