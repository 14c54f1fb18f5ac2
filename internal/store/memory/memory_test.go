package memory

import (
	"testing"

	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}
