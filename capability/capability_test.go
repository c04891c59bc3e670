package capability

import "testing"

func testCap() Capability {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	var hash [32]byte
	hash[0] = 0xAB
	return Capability{
		Key:              key,
		URIExtensionHash: hash,
		NeededShares:     25,
		TotalShares:      100,
		Size:             123456,
	}
}

func TestCapability_StringParseRoundTrip(t *testing.T) {
	c := testCap()
	s := c.String()

	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(got.Key) != string(c.Key) {
		t.Error("Key mismatch")
	}
	if got.URIExtensionHash != c.URIExtensionHash {
		t.Error("URIExtensionHash mismatch")
	}
	if got.NeededShares != c.NeededShares || got.TotalShares != c.TotalShares {
		t.Error("share counts mismatch")
	}
	if got.Size != c.Size {
		t.Error("Size mismatch")
	}
}

func TestCapability_StringDeterministic(t *testing.T) {
	c := testCap()
	if c.String() != c.String() {
		t.Fatal("capability encoding is not deterministic")
	}
}

func TestCapability_DifferentValuesDifferentStrings(t *testing.T) {
	c1 := testCap()
	c2 := testCap()
	c2.Size++
	if c1.String() == c2.String() {
		t.Fatal("different capabilities produced the same token")
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-valid-token-!!!"); err == nil {
		t.Fatal("expected error parsing garbage")
	}
}

func testExtension() URIExtension {
	var share, plain, crypt [32]byte
	share[0], plain[0], crypt[0] = 1, 2, 3
	return URIExtension{
		Size:              1000,
		SegmentSize:       128 * 1024,
		NumSegments:       8,
		NeededShares:      25,
		TotalShares:       100,
		ShareRootHash:     share,
		PlaintextRootHash: plain,
		CrypttextRootHash: crypt,
	}
}

func TestURIExtension_EncodeDecodeRoundTrip(t *testing.T) {
	u := testExtension()
	b, err := u.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeURIExtension(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != u {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, u)
	}
}

func TestURIExtension_CanonicalEncoding(t *testing.T) {
	u := testExtension()
	b1, _ := u.Encode()
	b2, _ := u.Encode()
	if string(b1) != string(b2) {
		t.Fatal("encoding is not canonical/deterministic")
	}
}

func TestURIExtension_HashChangesWithContent(t *testing.T) {
	u1 := testExtension()
	u2 := testExtension()
	u2.NumSegments++

	h1, err := u1.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := u2.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("different uri-extension content produced the same hash")
	}
}
