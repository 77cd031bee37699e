package secure

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/muurk/loxclient/internal/lxerr"
)

var certificateBlock = regexp.MustCompile(`-----BEGIN CERTIFICATE-----([\s\S]*?)-----END CERTIFICATE-----`)

// PublicKeyFromPEM extracts the RSA public key from the last certificate
// block of a bundle. Miniservers often wrap a bare PKIX public key in
// certificate markers, so both forms are accepted.
func PublicKeyFromPEM(bundle string) (*rsa.PublicKey, error) {
	blocks := certificateBlock.FindAllStringSubmatch(bundle, -1)
	if len(blocks) == 0 {
		return nil, lxerr.NoPublicKey()
	}

	body := strings.Join(strings.Fields(blocks[len(blocks)-1][1]), "")
	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, lxerr.HandshakeFailed("public key block is not base64", err)
	}

	if cert, err := x509.ParseCertificate(der); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, lxerr.HandshakeFailed(fmt.Sprintf("certificate key is %T, want RSA", cert.PublicKey), nil)
		}
		return pub, nil
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		if pub, perr := x509.ParsePKCS1PublicKey(der); perr == nil {
			return pub, nil
		}
		return nil, lxerr.HandshakeFailed("parsing public key", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, lxerr.HandshakeFailed(fmt.Sprintf("public key is %T, want RSA", key), nil)
	}
	return pub, nil
}
