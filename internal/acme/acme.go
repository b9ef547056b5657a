// Package acme implements the HTTP-01 issuance flow (§4.7) directly
// against golang.org/x/crypto/acme's low-level Client, rather than the
// higher-level autocert helper: load/create the account, create an
// order, satisfy each pending authorization's HTTP-01 challenge behind a
// transient port-80 server, wait for the order to finalize, and return
// the resulting key/certificate PEM pair.
package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
)

// IssuanceError reports which step of the flow failed.
type IssuanceError struct {
	Domain string
	Stage  string
	Err    error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("acme: issuance for %s failed at %s: %v", e.Domain, e.Stage, e.Err)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// Client drives the HTTP-01 flow for one ACME account.
type Client struct {
	inner    *acme.Client
	email    string
	httpAddr string

	mu         sync.Mutex
	accountKey bool // true once Register has succeeded at least once
}

// NewClient builds a Client against directoryURL (empty uses Let's
// Encrypt's production directory). httpAddr is where the transient
// HTTP-01 challenge server binds; it defaults to ":80".
func NewClient(directoryURL, email, httpAddr string) (*Client, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acme: generate account key: %w", err)
	}
	if httpAddr == "" {
		httpAddr = ":80"
	}
	return &Client{
		inner: &acme.Client{
			Key:          key,
			DirectoryURL: directoryURL,
		},
		email:    email,
		httpAddr: httpAddr,
	}, nil
}

// IssueCertificate runs the full flow for one domain and returns the PEM
// encoding of the leaf's private key and of the full certificate chain.
func (c *Client) IssueCertificate(ctx context.Context, domain string) (keyPEM, certPEM []byte, err error) {
	if err := c.ensureAccount(ctx); err != nil {
		return nil, nil, &IssuanceError{Domain: domain, Stage: "account", Err: err}
	}

	order, err := c.inner.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return nil, nil, &IssuanceError{Domain: domain, Stage: "create_order", Err: err}
	}

	challenges := newChallengeResponder()
	srv, err := challenges.start(c.httpAddr)
	if err != nil {
		return nil, nil, &IssuanceError{Domain: domain, Stage: "start_challenge_server", Err: err}
	}
	defer challenges.stop(srv)

	for _, zurl := range order.AuthorizationURLs {
		if err := c.satisfyAuthorization(ctx, zurl, challenges); err != nil {
			return nil, nil, &IssuanceError{Domain: domain, Stage: "authorize", Err: err}
		}
	}

	order, err = c.waitOrderReady(ctx, order.URI)
	if err != nil {
		return nil, nil, &IssuanceError{Domain: domain, Stage: "wait_order", Err: err}
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, &IssuanceError{Domain: domain, Stage: "generate_leaf_key", Err: err}
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, leafKey)
	if err != nil {
		return nil, nil, &IssuanceError{Domain: domain, Stage: "create_csr", Err: err}
	}

	der, _, err := c.inner.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, nil, &IssuanceError{Domain: domain, Stage: "finalize", Err: err}
	}

	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return nil, nil, &IssuanceError{Domain: domain, Stage: "encode_key", Err: err}
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	var chain []byte
	for _, block := range der {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: block})...)
	}
	return keyPEM, chain, nil
}

func (c *Client) ensureAccount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accountKey {
		return nil
	}
	account := &acme.Account{Contact: nil}
	if c.email != "" {
		account.Contact = []string{"mailto:" + c.email}
	}
	if _, err := c.inner.Register(ctx, account, acme.AcceptTOS); err != nil {
		if ae, ok := err.(*acme.Error); !ok || ae.StatusCode != http.StatusConflict {
			return err
		}
	}
	c.accountKey = true
	return nil
}

// satisfyAuthorization fetches one authorization, responds to its
// HTTP-01 challenge, and tells the server to accept it.
func (c *Client) satisfyAuthorization(ctx context.Context, authzURL string, responder *challengeResponder) error {
	authz, err := c.inner.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}
	if authz.Status != acme.StatusPending {
		return fmt.Errorf("authorization in unexpected status %q", authz.Status)
	}

	var challenge *acme.Challenge
	for _, ch := range authz.Challenges {
		if ch.Type == "http-01" {
			challenge = ch
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("no http-01 challenge offered")
	}

	keyAuth, err := c.inner.HTTP01ChallengeResponse(challenge.Token)
	if err != nil {
		return fmt.Errorf("compute key authorization: %w", err)
	}
	responder.register(challenge.Token, keyAuth)

	if _, err := c.inner.Accept(ctx, challenge); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	return nil
}

// waitOrderReady polls the order every two seconds until it is Ready or
// Valid (an Invalid order or a cancelled ctx ends it with an error), the
// shape §4.7 names as step 5 ("poll order until Ready").
func (c *Client) waitOrderReady(ctx context.Context, orderURL string) (*acme.Order, error) {
	for {
		order, err := c.inner.GetOrder(ctx, orderURL)
		if err != nil {
			return nil, err
		}
		switch order.Status {
		case acme.StatusReady, acme.StatusValid:
			return order, nil
		case acme.StatusInvalid:
			return nil, fmt.Errorf("order became invalid: %v", order.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// challengeResponder is the transient port-80 HTTP-01 server: it answers
// GET /.well-known/acme-challenge/<token> with the registered key
// authorization and 404s everything else.
type challengeResponder struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func newChallengeResponder() *challengeResponder {
	return &challengeResponder{tokens: make(map[string]string)}
}

func (r *challengeResponder) register(token, keyAuth string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = keyAuth
}

func (r *challengeResponder) start(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/acme-challenge/", func(w http.ResponseWriter, req *http.Request) {
		token := req.URL.Path[len("/.well-known/acme-challenge/"):]
		r.mu.RLock()
		keyAuth, ok := r.tokens[token]
		r.mu.RUnlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(keyAuth))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s for acme-challenge: %w", addr, err)
	}
	go srv.Serve(ln)
	return srv, nil
}

func (r *challengeResponder) stop(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
