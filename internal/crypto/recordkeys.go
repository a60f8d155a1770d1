package icrypto

import "github.com/jmcleod/actas/internal/util"

const wrappingKeyInfo = "actas:wrapping-key:v1"

// DeriveWrappingKey expands high-entropy secret material into the key that
// wraps a namespace's slot key.
func DeriveWrappingKey(secret []byte, namespace string) ([]byte, error) {
	return util.HKDF(secret, []byte(namespace), []byte(wrappingKeyInfo))
}
