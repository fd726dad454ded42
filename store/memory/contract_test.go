package memory_test

import (
	"testing"

	"github.com/warp/bakehouse/store/memory"
	"github.com/warp/bakehouse/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) storetest.Store { return memory.New() })
}
