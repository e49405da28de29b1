// Package kvtest holds the behaviour every markers.KV backend must share.
package kvtest

import (
	"context"
	"sort"
	"testing"

	"github.com/pkg/errors"

	"github.com/pliu/msgsync/internal/markers"
)

func Run(t *testing.T, kv markers.KV) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		if _, err := kv.Get(ctx, "nope"); !errors.Is(err, markers.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("put get overwrite", func(t *testing.T) {
		if err := kv.Put(ctx, "deleted:u1:p1", []byte(`{"deleted":true}`)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if err := kv.Put(ctx, "deleted:u1:p1", []byte(`{"deleted":false}`)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		got, err := kv.Get(ctx, "deleted:u1:p1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if string(got) != `{"deleted":false}` {
			t.Errorf("Get() = %s", got)
		}
	})

	t.Run("keys by prefix", func(t *testing.T) {
		for _, k := range []string{"deleted:u1:p2", "deleted:u2:p1", "deleted_conversation_u1_p3", "deletedXconversation"} {
			if err := kv.Put(ctx, k, []byte("true")); err != nil {
				t.Fatalf("Put(%s) error = %v", k, err)
			}
		}
		got, err := kv.Keys(ctx, "deleted:u1:")
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		sort.Strings(got)
		want := []string{"deleted:u1:p1", "deleted:u1:p2"}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("Keys() = %v, want %v", got, want)
		}

		// '_' must be matched literally
		legacy, err := kv.Keys(ctx, "deleted_conversation_")
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		if len(legacy) != 1 || legacy[0] != "deleted_conversation_u1_p3" {
			t.Errorf("Keys(legacy) = %v", legacy)
		}

		all, err := kv.Keys(ctx, "")
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		if len(all) != 5 {
			t.Errorf("Keys(\"\") returned %d keys, want 5", len(all))
		}
	})

	t.Run("keys by non-ascii prefix", func(t *testing.T) {
		for _, k := range []string{"deleted:zoë:p1", "deleted:zoë:p2", "deleted:zoe:p3", "deleted:日本:p4"} {
			if err := kv.Put(ctx, k, []byte("true")); err != nil {
				t.Fatalf("Put(%s) error = %v", k, err)
			}
		}
		got, err := kv.Keys(ctx, "deleted:zoë:")
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		sort.Strings(got)
		if len(got) != 2 || got[0] != "deleted:zoë:p1" || got[1] != "deleted:zoë:p2" {
			t.Errorf("Keys(zoë) = %v", got)
		}
		cjk, err := kv.Keys(ctx, "deleted:日本:")
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		if len(cjk) != 1 || cjk[0] != "deleted:日本:p4" {
			t.Errorf("Keys(日本) = %v", cjk)
		}
		for _, k := range []string{"deleted:zoë:p1", "deleted:zoë:p2", "deleted:zoe:p3", "deleted:日本:p4"} {
			if err := kv.Delete(ctx, k); err != nil {
				t.Fatalf("Delete(%s) error = %v", k, err)
			}
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := kv.Delete(ctx, "deleted:u1:p1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := kv.Get(ctx, "deleted:u1:p1"); !errors.Is(err, markers.ErrNotFound) {
			t.Errorf("Get() after delete error = %v", err)
		}
		if err := kv.Delete(ctx, "never-existed"); err != nil {
			t.Errorf("Delete(missing) error = %v", err)
		}
	})
}
