package auth

import (
	"context"
	"crypto/rsa"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/lxerr"
	"github.com/muurk/loxclient/internal/secure"
)

// TracerName is the instrumentation name of handshake spans
const TracerName = "github.com/muurk/loxclient/internal/auth"

// Transport is the socket side of the handshake
type Transport interface {
	Sender
	UseSession(*secure.Session)
}

// CertificateSource fetches the Miniserver's PEM certificate bundle
type CertificateSource interface {
	GetCertificate(ctx context.Context) (string, error)
}

// Handshake runs key exchange and authentication on a fresh socket
type Handshake struct {
	Certificates CertificateSource
	Conn         Transport
	Tokens       *TokenManager

	// PasswordFallback acquires a new token with the password when an
	// existing token is rejected, instead of failing
	PasswordFallback bool

	// Tracer overrides the global tracer provider's tracer
	Tracer trace.Tracer
}

func (h *Handshake) tracer() trace.Tracer {
	if h.Tracer != nil {
		return h.Tracer
	}
	return otel.Tracer(TracerName)
}

// Run fetches the public key, installs a new session, exchanges the
// session key and authenticates. A non-empty existingToken is used
// instead of the password; a rejected token fails the handshake unless
// PasswordFallback is set.
func (h *Handshake) Run(ctx context.Context, existingToken string) error {
	ctx, span := h.tracer().Start(ctx, "auth.handshake",
		trace.WithAttributes(attribute.Bool("auth.existing_token", existingToken != "")))
	defer span.End()

	err := h.run(ctx, existingToken)
	endSpan(span, err)
	return err
}

func (h *Handshake) run(ctx context.Context, existingToken string) error {
	pub, err := h.publicKey(ctx)
	if err != nil {
		return err
	}
	if err := h.exchangeKey(ctx, pub); err != nil {
		return err
	}
	return h.authenticate(ctx, existingToken)
}

func (h *Handshake) publicKey(ctx context.Context) (*rsa.PublicKey, error) {
	ctx, span := h.tracer().Start(ctx, "auth.public_key")
	defer span.End()

	bundle, err := h.Certificates.GetCertificate(ctx)
	if err != nil {
		err = lxerr.HandshakeFailed("fetching certificate", err)
		endSpan(span, err)
		return nil, err
	}
	pub, err := secure.PublicKeyFromPEM(bundle)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("auth.key_bits", pub.N.BitLen()))
	endSpan(span, nil)
	return pub, nil
}

func (h *Handshake) exchangeKey(ctx context.Context, pub *rsa.PublicKey) error {
	ctx, span := h.tracer().Start(ctx, "auth.key_exchange")
	defer span.End()

	err := func() error {
		session, err := secure.NewSession()
		if err != nil {
			return lxerr.HandshakeFailed("creating session", err)
		}
		payload, err := session.KeyExchangePayload(pub)
		if err != nil {
			return lxerr.HandshakeFailed("encrypting session key", err)
		}
		h.Conn.UseSession(session)

		resp, err := h.Conn.Send(ctx, "jdev/sys/keyexchange/"+payload, false)
		if err != nil {
			return lxerr.HandshakeFailed("key exchange", err)
		}
		span.SetAttributes(attribute.Int("auth.code", resp.Code))
		if resp.Code != 200 {
			return &lxerr.Error{Kind: lxerr.KindHandshakeFailed, Message: "key exchange rejected", Code: resp.Code}
		}
		logging.Debug("Session key exchanged")
		return nil
	}()
	endSpan(span, err)
	return err
}

func (h *Handshake) authenticate(ctx context.Context, existingToken string) error {
	ctx, span := h.tracer().Start(ctx, "auth.token")
	defer span.End()

	if existingToken != "" {
		err := h.Tokens.AuthenticateWithToken(ctx, existingToken)
		if err == nil {
			span.SetAttributes(attribute.String("auth.method", "token"))
			endSpan(span, nil)
			return nil
		}
		if !h.PasswordFallback {
			endSpan(span, err)
			return err
		}
		span.RecordError(err)
		logging.Warn("Existing token rejected, acquiring a new one", zap.Error(err))
	}

	span.SetAttributes(attribute.String("auth.method", "password"))
	err := h.Tokens.Acquire(ctx)
	endSpan(span, err)
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
