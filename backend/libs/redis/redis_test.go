package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisClientPings(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), Options{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestNewRedisClientRejectsEmptyAddr(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), Options{Addr: "  "}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
