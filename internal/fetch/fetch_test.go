package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURL_Success(t *testing.T) {
	// Create test server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body><h1>Test</h1></body></html>"))
	}))
	defer server.Close()

	result, err := URL(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, server.URL, result.URL)
	assert.Contains(t, result.HTML, "<h1>Test</h1>")
	assert.Equal(t, http.StatusOK, result.StatusCode)
}

func TestURL_InvalidURL(t *testing.T) {
	_, err := URL(context.Background(), "not-a-valid-url", nil)
	require.Error(t, err)

	var fetchErr *Error
	assert.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, err.Error(), "invalid URL")
}

func TestURL_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	result, err := URL(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.NotNil(t, result) // Result is returned even on error
	assert.Equal(t, http.StatusNotFound, result.StatusCode)

	var fetchErr *Error
	assert.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, err.Error(), "404")
}

func TestURL_UsesConfiguredClientAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.Client = server.Client()
	opts.Headers = map[string]string{"X-Test": "yes"}

	result, err := URL(context.Background(), server.URL, opts)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.HTML)
}

func TestSelectText_FirstMatchingSelectorWins(t *testing.T) {
	html := `
	<html>
		<body>
			<div class="estimate"></div>
			<span data-testid="home-value">$512,300</span>
			<div id="fallback">$1</div>
		</body>
	</html>`

	text, matched, ok, err := SelectText(html, ".missing", ".estimate", "[data-testid='home-value']", "#fallback")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$512,300", text)
	assert.Equal(t, "[data-testid='home-value']", matched)
}

func TestSelectText_ContentAttribute(t *testing.T) {
	html := `<html><head><meta itemprop="price" content="430000"></head><body></body></html>`

	text, _, ok, err := SelectText(html, "meta[itemprop='price']")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "430000", text)
}

func TestSelectText_NoMatch(t *testing.T) {
	_, _, ok, err := SelectText("<html><body><p>nothing</p></body></html>", ".estimate")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBodyText_DropsNoise(t *testing.T) {
	html := `
	<html>
		<body>
			<nav>Navigation</nav>
			<main>
				<h1>Main Content</h1>
				<p>This is the important text.</p>
			</main>
			<footer>Footer</footer>
			<script>var x = 1;</script>
		</body>
	</html>`

	text, err := BodyText(html)
	require.NoError(t, err)
	assert.Contains(t, text, "Main Content")
	assert.Contains(t, text, "important text")
	assert.NotContains(t, text, "Navigation")
	assert.NotContains(t, text, "Footer")
	assert.NotContains(t, text, "var x")
}

func TestShouldUseBrowser(t *testing.T) {
	assert.True(t, ShouldUseBrowser("   short  "))
	long := make([]byte, MinContentLength)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, ShouldUseBrowser(string(long)))
}
