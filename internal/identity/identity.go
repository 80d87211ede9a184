// Package identity manages display credentials and the hardwareKey
// used to register with the CMS. The hardwareKey is
// derived deterministically from a device fingerprint via HKDF so a
// browser storage reset does not de-register the display.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/crypto/hkdf"
)

// hardwareKeyInfoString is the HKDF domain-separation string.
const hardwareKeyInfoString = "signagecore-v1-hardware-key"

// DeriveHardwareKey derives a stable hardwareKey from a device
// fingerprint. Calling it twice on the same machine with the same
// fingerprint yields the same key, independent of any browser state.
func DeriveHardwareKey(fingerprint []byte) (string, error) {
	if len(fingerprint) == 0 {
		return "", fmt.Errorf("identity: fingerprint must not be empty")
	}

	hkdfReader := hkdf.New(sha256.New, fingerprint, nil, []byte(hardwareKeyInfoString))

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return "", fmt.Errorf("identity: hkdf derive failed: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(key), nil
}

// DeviceFingerprint builds a best-effort stable fingerprint from local
// machine identifiers (hostname plus the first non-loopback MAC
// address). It is deliberately independent of anything stored by the
// browser.
func DeviceFingerprint() ([]byte, error) {
	h := sha256.New()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	io.WriteString(h, hostname)

	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if len(iface.HardwareAddr) == 0 {
				continue
			}
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			h.Write(iface.HardwareAddr)
			break
		}
	}

	return h.Sum(nil), nil
}
