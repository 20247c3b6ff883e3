package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Verification failure causes. Handlers map these to 401 responses;
// none of them is ever retried.
var (
	ErrMissingSignature   = errors.New("missing HTTP signature")
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrKeyUnavailable     = errors.New("unable to retrieve public key")
	ErrSignatureInvalid   = errors.New("signature verification failed")
)

// signedHeaders is the canonical header list every outgoing request
// signs, per draft-cavage-http-signatures.
var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

// SignatureParams is the parsed content of a Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// KeyResolver resolves a keyId (e.g. ".../users/alice#main-key") to
// the actor's RSA public key.
type KeyResolver func(keyID string) (*rsa.PublicKey, error)

// Digest computes the Digest header value for a request body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// SignRequest signs an outgoing HTTP request with the given private
// key, setting the Date, Digest and Signature headers.
// keyID format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyID string) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Digest", Digest(body))

	stringToSign := signingString(req, signedHeaders)

	hashed := sha256.Sum256([]byte(stringToSign))
	signature, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyID,
		strings.Join(signedHeaders, " "),
		base64.StdEncoding.EncodeToString(signature),
	))

	return nil
}

// VerifyRequest verifies the HTTP signature on an incoming request
// against the public key resolved from its keyId. The body digest is
// recomputed and compared against the Digest header before the
// signature itself is checked. Returns the signing actor's URI.
func VerifyRequest(req *http.Request, body []byte, resolve KeyResolver) (string, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		return "", ErrMissingSignature
	}

	params, err := ParseSignatureHeader(header)
	if err != nil {
		return "", err
	}

	// The signer chooses the header list, so a signature over a
	// degenerate set would bind neither the body nor the target.
	// Require the full canonical coverage.
	covered := make(map[string]bool, len(params.Headers))
	for _, h := range params.Headers {
		covered[strings.ToLower(h)] = true
	}
	for _, required := range signedHeaders {
		if !covered[required] {
			return "", fmt.Errorf("%w: signature does not cover %s", ErrMalformedSignature, required)
		}
	}

	// The Digest header must match the actual body; a mismatch means
	// the payload was swapped after signing.
	if digest := req.Header.Get("Digest"); digest != "" {
		if digest != Digest(body) {
			return "", fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
		}
	}

	publicKey, err := resolve(params.KeyID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if publicKey == nil {
		return "", ErrKeyUnavailable
	}

	signature, err := base64.StdEncoding.DecodeString(params.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature not base64", ErrMalformedSignature)
	}

	stringToSign := signingString(req, params.Headers)

	hashed := sha256.Sum256([]byte(stringToSign))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hashed[:], signature); err != nil {
		return "", ErrSignatureInvalid
	}

	// keyId is usually "https://example.com/users/alice#main-key";
	// the actor URI is everything before the fragment.
	actorURI := strings.Split(params.KeyID, "#")[0]

	return actorURI, nil
}

// ParseSignatureHeader parses a Signature header of the form
// keyId="...",algorithm="...",headers="...",signature="..."
func ParseSignatureHeader(header string) (*SignatureParams, error) {
	params := &SignatureParams{}

	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		value := strings.Trim(parts[1], `"`)

		switch parts[0] {
		case "keyId":
			params.KeyID = value
		case "algorithm":
			params.Algorithm = value
		case "headers":
			params.Headers = strings.Fields(value)
		case "signature":
			params.Signature = value
		}
	}

	if params.KeyID == "" || params.Signature == "" {
		return nil, fmt.Errorf("%w: missing keyId or signature", ErrMalformedSignature)
	}
	if len(params.Headers) == 0 {
		params.Headers = signedHeaders
	}

	return params, nil
}

// signingString reconstructs the canonical string-to-sign from the
// actual request. Both the signer and the verifier build it the same
// way, so any mutation of a signed header breaks verification.
func signingString(req *http.Request, headers []string) string {
	lines := make([]string, 0, len(headers))

	for _, header := range headers {
		switch header {
		case "(request-target)":
			lines = append(lines, fmt.Sprintf("(request-target): %s %s",
				strings.ToLower(req.Method), req.URL.RequestURI()))
		case "host":
			host := req.Header.Get("Host")
			if host == "" {
				host = req.Host
			}
			if host == "" {
				host = req.URL.Host
			}
			lines = append(lines, "host: "+host)
		default:
			lines = append(lines, header+": "+req.Header.Get(header))
		}
	}

	return strings.Join(lines, "\n")
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return privateKey, nil
	}

	// Some implementations hand out PKCS#8 keys
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	privateKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}

	return privateKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Older servers publish PKCS#1 public keys
		if pkcs1, err2 := x509.ParsePKCS1PublicKey(block.Bytes); err2 == nil {
			return pkcs1, nil
		}
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
