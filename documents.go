package lspvisor

import (
	"sync"

	"go.lsp.dev/protocol"
)

// openDocumentSet tracks the URIs for which the caller has issued didOpen
// without a matching didClose. Iteration order is insertion order, which is
// the order didOpen is replayed after a crash-driven restart.
//
// A duplicate open or a close of an untracked URI is a caller bug and panics.
type openDocumentSet struct {
	mu    sync.Mutex
	order []protocol.DocumentURI
	index map[protocol.DocumentURI]struct{}
}

func newOpenDocumentSet() *openDocumentSet {
	return &openDocumentSet{index: make(map[protocol.DocumentURI]struct{})}
}

func (s *openDocumentSet) insert(uri protocol.DocumentURI) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[uri]; exists {
		panic("lspvisor: didOpen for document already open: " + string(uri))
	}
	s.index[uri] = struct{}{}
	s.order = append(s.order, uri)
}

func (s *openDocumentSet) remove(uri protocol.DocumentURI) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[uri]; !exists {
		panic("lspvisor: didClose for document not open: " + string(uri))
	}
	delete(s.index, uri)
	for i, u := range s.order {
		if u == uri {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// snapshot returns the open URIs in insertion order.
func (s *openDocumentSet) snapshot() []protocol.DocumentURI {
	s.mu.Lock()
	defer s.mu.Unlock()

	uris := make([]protocol.DocumentURI, len(s.order))
	copy(uris, s.order)
	return uris
}

func (s *openDocumentSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = nil
	s.index = make(map[protocol.DocumentURI]struct{})
}

func (s *openDocumentSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
