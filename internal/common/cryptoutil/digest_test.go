package cryptoutil

import (
	"errors"
	"strings"
	"testing"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
)

func TestDigest(t *testing.T) {
	const abcSHA256 = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

	got, err := Digest(SHA256, []byte("abc"))
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if got != abcSHA256 {
		t.Errorf("Digest = %s", got)
	}

	fromReader, err := DigestReader(SHA256, strings.NewReader("abc"))
	if err != nil || fromReader != got {
		t.Errorf("DigestReader = %s, %v", fromReader, err)
	}

	if _, err := Digest("md5", []byte("abc")); !errors.Is(err, commonerrors.ErrInvalidArgument) {
		t.Errorf("Got %v for md5, want ErrInvalidArgument", err)
	}
}

func TestVerify(t *testing.T) {
	sum, _ := Digest(SHA512, []byte("chain"))

	if err := Verify(SHA512, []byte("chain"), strings.ToUpper(sum)); err != nil {
		t.Errorf("Verify failed on a matching digest: %v", err)
	}
	if err := Verify(SHA512, []byte("chains"), sum); !errors.Is(err, commonerrors.ErrChecksumFailed) {
		t.Errorf("Got %v, want ErrChecksumFailed", err)
	}
}
