package provider

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/websets/internal/resilience"
	"github.com/sells-group/websets/pkg/anthropic"
	"github.com/sells-group/websets/pkg/jina"
	"github.com/sells-group/websets/pkg/perplexity"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"429", &perplexity.StatusError{StatusCode: 429}, RateLimited},
		{"503", &jina.StatusError{StatusCode: 503}, Transient},
		{"408", &anthropic.StatusError{StatusCode: 408}, Transient},
		{"400", &anthropic.StatusError{StatusCode: 400}, Permanent},
		{"401", &perplexity.StatusError{StatusCode: 401}, Permanent},
		{"wrapped 502", eris.Wrap(&jina.StatusError{StatusCode: 502}, "search"), Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"network", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, Transient},
		{"circuit open", resilience.ErrCircuitOpen, RateLimited},
		{"canceled", context.Canceled, Permanent},
		{"decode", errors.New("invalid character"), Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Classify("p1", tt.err)
			assert.Equal(t, tt.want, pe.Class)
			assert.Equal(t, "p1", pe.ProviderID)
			assert.ErrorIs(t, pe, tt.err)
		})
	}
}

func TestClassify_AlreadyClassified(t *testing.T) {
	orig := &Error{ProviderID: "a", Class: RateLimited, Err: errors.New("slow down")}
	got := Classify("b", eris.Wrap(orig, "outer"))
	assert.Same(t, orig, got)
	assert.Equal(t, RateLimited, ClassOf(eris.Wrap(orig, "outer")))
}

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, Classify("p", nil))
	assert.Equal(t, Class(""), ClassOf(nil))
}

func TestRetryAfter(t *testing.T) {
	hinted := &jina.StatusError{StatusCode: 429, RetryAfter: 3 * time.Second}
	pe := Classify("jina", eris.Wrap(hinted, "search"))
	assert.Equal(t, RateLimited, pe.Class)
	assert.Equal(t, 3*time.Second, pe.RetryAfter)
	assert.Equal(t, 3*time.Second, RetryAfter(pe))

	assert.Equal(t, 2*time.Second, RetryAfter(&anthropic.StatusError{StatusCode: 429, RetryAfter: 2 * time.Second}))
	assert.Zero(t, RetryAfter(errors.New("plain")))
	assert.Zero(t, RetryAfter(&Error{ProviderID: "p", Class: RateLimited, Err: errors.New("429")}))
}

func TestRetryAfter_OpenCircuit(t *testing.T) {
	pe := Classify("haiku", &resilience.OpenError{RetryIn: 4 * time.Second})
	assert.Equal(t, RateLimited, pe.Class)
	assert.Equal(t, 4*time.Second, RetryAfter(pe))
}
