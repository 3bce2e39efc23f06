package stream

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/osmundi/posebridge/internal/monitoring"
)

func TestPublisherServesJPEG(t *testing.T) {
	monitoring.SetLogger(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPublisher("127.0.0.1:0")
	require.NoError(t, p.Start(ctx))

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 60, 90, 0), 48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()

	// Clients only receive frames published while they are connected.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = p.Publish(frame)
			}
		}
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + p.Addr() + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace"))

	r := bufio.NewReader(resp.Body)
	found := false
	for i := 0; i < 10 && !found; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		found = strings.Contains(line, "image/jpeg")
	}
	assert.True(t, found, "expected a jpeg part")
}

func TestPublishEmptyFrame(t *testing.T) {
	p := NewPublisher("127.0.0.1:0")
	empty := gocv.NewMat()
	defer empty.Close()
	assert.NoError(t, p.Publish(empty))
	assert.Equal(t, "127.0.0.1:0", p.Addr())
}
