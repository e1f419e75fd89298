// internal/framesource/digest.go
package framesource

import (
	"crypto/md5"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

// Câmeras IP (Hikvision ISAPI, Dahua) normalmente recusam Basic e
// respondem 401 com desafio Digest; esse helper parseia o desafio e
// monta a resposta MD5 da segunda tentativa.
type digestChallenge struct {
	Realm string
	Nonce string
	Qop   string
}

var digestRx = regexp.MustCompile(`(\w+)="([^"]+)"`)

func parseDigestChallenge(h string) (*digestChallenge, error) {
	if !strings.HasPrefix(strings.ToLower(h), "digest ") {
		return nil, fmt.Errorf("WWW-Authenticate não é Digest: %s", h)
	}
	h = strings.TrimSpace(h[len("Digest "):])
	m := digestRx.FindAllStringSubmatch(h, -1)
	res := &digestChallenge{}
	for _, kv := range m {
		if len(kv) != 3 {
			continue
		}
		switch strings.ToLower(kv[1]) {
		case "realm":
			res.Realm = kv[2]
		case "nonce":
			res.Nonce = kv[2]
		case "qop":
			res.Qop = kv[2]
		}
	}
	if res.Realm == "" || res.Nonce == "" {
		return nil, fmt.Errorf("realm/nonce ausentes em WWW-Authenticate: %s", h)
	}
	if res.Qop == "" {
		res.Qop = "auth"
	}
	return res, nil
}

func (c *digestChallenge) authorization(method, uri, username, password string) string {
	nc := "00000001"
	cnonce := randomHex(16)
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", username, c.Realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	response := md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		ha1, c.Nonce, nc, cnonce, c.Qop, ha2,
	))
	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", algorithm=MD5, response="%s", qop=%s, nc=%s, cnonce="%s"`,
		username, c.Realm, c.Nonce, uri, response, c.Qop, nc, cnonce,
	)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		// fallback fraco, mas suficiente aqui
		for i := range b {
			b[i] = byte(rand.Intn(256))
		}
	}
	return hex.EncodeToString(b)
}
