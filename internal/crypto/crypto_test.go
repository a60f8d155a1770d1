package icrypto

import (
	"bytes"
	"testing"
)

func TestAAD(t *testing.T) {
	aad1 := AADSlot("ops", "active_credential", 1)
	aad2 := AADSlot("ops", "active_credential", 1)

	if !bytes.Equal(aad1, aad2) {
		t.Error("AADSlot should be deterministic")
	}

	if bytes.Equal(aad1, AADSlot("ops", "restore_credential", 1)) {
		t.Error("AADSlot should be different for different slots")
	}
	if bytes.Equal(aad1, AADSlot("dev", "active_credential", 1)) {
		t.Error("AADSlot should be different for different namespaces")
	}
	if bytes.Equal(aad1, AADSlot("ops", "active_credential", 2)) {
		t.Error("AADSlot should be different for different versions")
	}

	// Length prefixes keep ("ab","c") and ("a","bc") apart.
	if bytes.Equal(AADSlot("ab", "c", 1), AADSlot("a", "bc", 1)) {
		t.Error("AADSlot should not be ambiguous across field boundaries")
	}

	if bytes.Equal(AADSlotKeyWrap("ops", 1), AADSlot("ops", "", 1)) {
		t.Error("slot key wrap AAD must differ from slot AAD")
	}
}

func TestDeriveWrappingKey(t *testing.T) {
	secret := []byte("secret-0123456789-0123456789-0123")

	key1, err := DeriveWrappingKey(secret, "ops")
	if err != nil {
		t.Fatalf("DeriveWrappingKey failed: %v", err)
	}
	if len(key1) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key1))
	}

	key2, _ := DeriveWrappingKey(secret, "ops")
	if !bytes.Equal(key1, key2) {
		t.Error("DeriveWrappingKey should be deterministic")
	}

	key3, _ := DeriveWrappingKey(secret, "dev")
	if bytes.Equal(key1, key3) {
		t.Error("DeriveWrappingKey should be different for different namespaces")
	}
}
