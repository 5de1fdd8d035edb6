package datasync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pgshift/pgshift/internal/migration/gateway"
)

func TestLastWriteWinsResolution(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(LastWriteWins, "updated_at")

	tests := []struct {
		name string
		a, b gateway.Row
		want string
	}{
		{
			name: "incoming newer wins",
			a:    gateway.Row{"email": "a@example.com", "updated_at": base},
			b:    gateway.Row{"email": "b@example.com", "updated_at": base.Add(time.Minute)},
			want: "b@example.com",
		},
		{
			name: "existing newer survives",
			a:    gateway.Row{"email": "a@example.com", "updated_at": base.Add(time.Minute)},
			b:    gateway.Row{"email": "b@example.com", "updated_at": base},
			want: "a@example.com",
		},
		{
			name: "equal timestamps prefer incoming",
			a:    gateway.Row{"email": "a@example.com", "updated_at": base},
			b:    gateway.Row{"email": "b@example.com", "updated_at": base},
			want: "b@example.com",
		},
		{
			name: "string timestamps are comparable",
			a:    gateway.Row{"email": "a@example.com", "updated_at": base.Format(time.RFC3339Nano)},
			b:    gateway.Row{"email": "b@example.com", "updated_at": base.Add(time.Second).Format(time.RFC3339Nano)},
			want: "b@example.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.a, tt.b)
			assert.Equal(t, tt.want, got["email"])
		})
	}
}

func TestResolveWithoutTimestampsPrefersNonEmptyIncoming(t *testing.T) {
	r := NewResolver(LastWriteWins, "updated_at")

	a := gateway.Row{"email": "a@example.com"}
	b := gateway.Row{"email": "b@example.com"}
	assert.Equal(t, "b@example.com", r.Resolve(a, b)["email"])

	// An empty incoming version never overwrites real data.
	assert.Equal(t, "a@example.com", r.Resolve(a, gateway.Row{})["email"])
}

func TestResolverDefaults(t *testing.T) {
	r := NewResolver("", "")
	assert.Equal(t, LastWriteWins, r.strategy)
	assert.Equal(t, "updated_at", r.column)
}

func TestUnknownStrategyKeepsExisting(t *testing.T) {
	r := &Resolver{strategy: Strategy("manual")}
	a := gateway.Row{"email": "a@example.com"}
	b := gateway.Row{"email": "b@example.com"}
	assert.Equal(t, "a@example.com", r.Resolve(a, b)["email"])
}
