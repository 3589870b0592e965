package client

import (
	"context"
	"net"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// the probe must not follow redirects. a login redirect would otherwise
// resolve to a 200 and mask the 401/403 signal.
func authCheckClient() *http.Client {
	client := defaultClient()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type ClientAuth struct {
	ByJwt string
}

func (self *ClientAuth) Header() http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+self.ByJwt)
	return header
}

// Expired reports whether the token is already past its expiry.
// claims are parsed unverified; the server remains the authority.
func (self *ClientAuth) Expired() bool {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(self.ByJwt, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

// checkAuthorized probes the side channel with credentials.
// a 401 or 403 is the only signal consumed; any other outcome,
// including probe transport failure, leaves the connection state alone.
func (self *Socket) checkAuthorized() {
	if self.checkUrl == "" {
		return
	}

	if self.auth != nil && self.auth.Expired() {
		glog.Infof("[sk]%s token expired\n", self.sessionId)
		self.setState(SocketStateUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(self.ctx, self.settings.AuthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", self.checkUrl, nil)
	if err != nil {
		return
	}
	if self.auth != nil {
		req.Header.Set("Authorization", "Bearer "+self.auth.ByJwt)
	}

	r, err := authCheckClient().Do(req)
	if err != nil {
		return
	}
	defer r.Body.Close()

	if r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden {
		glog.Infof("[sk]%s unauthorized (%d)\n", self.sessionId, r.StatusCode)
		self.setState(SocketStateUnauthorized)
	}
}
