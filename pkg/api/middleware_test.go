package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forwarded(remote string, xff ...string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/forms/contact/submissions", nil)
	r.RemoteAddr = remote
	for _, v := range xff {
		r.Header.Add("X-Forwarded-For", v)
	}
	return r
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.168.1.7 ", "", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "192.168.1.7/32", got[1].String())
	assert.Equal(t, "2001:db8::/32", got[2].String())

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestClientIP_IgnoresForwardedFromUntrustedPeer(t *testing.T) {
	res := NewIPResolver(nil)
	assert.Equal(t, "203.0.113.9", res.ClientIP(forwarded("203.0.113.9:5123", "1.2.3.4")))
	assert.Equal(t, "2001:db8::1", res.ClientIP(forwarded("[2001:db8::1]:443", "1.2.3.4")))

	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	res = NewIPResolver(trusted)
	assert.Equal(t, "203.0.113.9", res.ClientIP(forwarded("203.0.113.9:5123", "1.2.3.4")))
}

func TestClientIP_TrustedProxyChain(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.7"})
	require.NoError(t, err)
	res := NewIPResolver(trusted)

	// The left-most entry is client-supplied and never wins over a real hop.
	assert.Equal(t, "198.51.100.4",
		res.ClientIP(forwarded("10.0.0.2:80", "1.2.3.4, 198.51.100.4, 192.168.1.7")))
	assert.Equal(t, "198.51.100.4",
		res.ClientIP(forwarded("10.0.0.2:80", "1.2.3.4", "198.51.100.4")))
	assert.Equal(t, "10.1.1.1",
		res.ClientIP(forwarded("10.0.0.2:80", "10.1.1.1, 10.0.0.3")))
	assert.Equal(t, "10.0.0.2", res.ClientIP(forwarded("10.0.0.2:80")))
	assert.Equal(t, "10.0.0.2", res.ClientIP(forwarded("10.0.0.2:80", "garbage")))
}

func TestRateLimiter_RotatingForwardedForSharesBucket(t *testing.T) {
	rl := NewRateLimiter(0.001, 3, 0)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, forwarded("203.0.113.9:5123", fmt.Sprintf("198.51.100.%d", i)))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{204, 204, 204, 429, 429, 429}, codes)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, forwarded("203.0.113.10:5123"))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
