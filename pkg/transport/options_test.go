package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posebridge/pkg/protocol"
)

type discardSink struct{}

func (discardSink) Store(protocol.RawPayload) {}

func TestListenDefaults(t *testing.T) {
	r, err := Listen(context.Background(), "127.0.0.1:0", discardSink{})
	require.NoError(t, err)
	defer func() {
		_ = r.Close()
		r.Wait()
	}()

	assert.Equal(t, FramingReadToClose, r.framing)
	assert.Equal(t, 64*1024, r.bufSize)
	assert.Equal(t, time.Second, r.backoff)
	assert.Equal(t, 30*time.Second, r.backoffMax)
}

func TestBackoffOption(t *testing.T) {
	r, err := Listen(context.Background(), "127.0.0.1:0", discardSink{}, WithBackoff(10*time.Millisecond, time.Second))
	require.NoError(t, err)
	defer func() {
		_ = r.Close()
		r.Wait()
	}()

	assert.Equal(t, 10*time.Millisecond, r.backoff)
	assert.Equal(t, time.Second, r.backoffMax)
}
