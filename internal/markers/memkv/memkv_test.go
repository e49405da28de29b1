package memkv

import (
	"testing"

	"github.com/pliu/msgsync/internal/markers/kvtest"
)

func TestStore(t *testing.T) {
	kvtest.Run(t, New())
}
