package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		event   string
		want    bool
	}{
		{"exact match", "allowed.event", "allowed.event", true},
		{"exact mismatch", "allowed.event", "allowed.events", false},
		{"catch-all", "*", "anything.at.all", true},
		{"catch-all never matches empty", "*", "", false},
		{"prefix wildcard matches one segment", "test.subscription.*", "test.subscription.message", true},
		{"prefix wildcard matches deeper names", "thread.*", "thread.channel_message.post", true},
		{"prefix wildcard requires the dot", "thread.*", "threadpost", false},
		{"prefix wildcard does not match the bare prefix", "thread.*", "thread", false},
		{"prefix wildcard does not match empty tail", "thread.*", "thread.", false},
		{"no mid-name globbing", "test.*.message", "test.subscription.message", false},
		{"bare star suffix without dot is literal", "thread*", "thread.post", false},
		{"case sensitive", "Thread.*", "thread.post", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchPattern(tc.pattern, tc.event))
		})
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"test.subscription.*", "allowed.event"}

	assert.True(t, MatchAny(patterns, "test.subscription.data"))
	assert.True(t, MatchAny(patterns, "allowed.event"))
	assert.False(t, MatchAny(patterns, "test.other.message"))
	assert.False(t, MatchAny(patterns, "random.event"))
	assert.False(t, MatchAny(nil, "anything"))
}
