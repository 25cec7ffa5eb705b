package headless

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

func TestNewChromeDriverValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromeDriver(ChromeConfig{MaxParallel: -1}, nil)
	require.Error(t, err)

	driver, err := NewChromeDriver(ChromeConfig{MaxParallel: 2}, nil)
	require.NoError(t, err)
	defer driver.Close()
	assert.Equal(t, 2, cap(driver.limiter))
	assert.Equal(t, 45*time.Second, driver.cfg.NavigationTimeout)
	assert.Equal(t, "chromedp", driver.Name())
}

func TestChromeDriverSlotWaitHonorsContext(t *testing.T) {
	t.Parallel()

	driver, err := NewChromeDriver(ChromeConfig{MaxParallel: 1}, nil)
	require.NoError(t, err)
	defer driver.Close()

	require.NoError(t, driver.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, driver.acquire(ctx))

	driver.release()
	require.NoError(t, driver.acquire(context.Background()))
}

func TestChromeSessionHandleChecks(t *testing.T) {
	t.Parallel()

	driver, err := NewChromeDriver(ChromeConfig{}, nil)
	require.NoError(t, err)
	defer driver.Close()

	s := &chromeSession{driver: driver, cancel: func() {}}
	h := s.nodes.acquire(&cdp.Node{NodeID: 7})
	ids, err := s.ids("text", h)
	require.NoError(t, err)
	assert.Equal(t, []cdp.NodeID{7}, ids)

	_, err = s.ids("text", Document)
	require.ErrorIs(t, err, scraper.ErrElementInteraction)

	s.Release(h)
	_, err = s.ids("text", h)
	require.ErrorIs(t, err, scraper.ErrElementInteraction)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Find(context.Background(), Document, "p")
	require.ErrorIs(t, err, scraper.ErrElementInteraction)
	assert.False(t, scraper.IsRetryable(err))
}

func TestCaptureEventKeepsDocumentStatus(t *testing.T) {
	t.Parallel()

	s := &chromeSession{}
	s.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500},
	})
	assert.Zero(t, s.status.Load())
	s.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404},
	})
	assert.Equal(t, int64(404), s.status.Load())
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	headers := toNetworkHeaders(map[string]string{"Referer": "https://ref.example/"})
	assert.Equal(t, "https://ref.example/", headers["Referer"])
}
