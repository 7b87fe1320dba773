package backup

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
)

func TestDeriveRecipientIsDeterministic(t *testing.T) {
	a, err := DeriveRecipient("Correct-Horse-42")
	if err != nil {
		t.Fatalf("DeriveRecipient: %v", err)
	}
	b, _ := DeriveRecipient("Correct-Horse-42")
	if a != b {
		t.Fatalf("recipients differ: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "age1") {
		t.Fatalf("unexpected recipient format %q", a)
	}
	c, _ := DeriveRecipient("Different-Horse-42")
	if a == c {
		t.Fatal("different passphrases produced the same recipient")
	}
}

func TestDerivedIdentityDecryptsDerivedRecipient(t *testing.T) {
	const pass = "Correct-Horse-42"
	recipientStr, err := DeriveRecipient(pass)
	if err != nil {
		t.Fatal(err)
	}
	recipients, err := ParseRecipients([]string{recipientStr})
	if err != nil {
		t.Fatalf("ParseRecipients: %v", err)
	}
	identity, err := DeriveIdentity(pass)
	if err != nil {
		t.Fatalf("DeriveIdentity: %v", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte("hello"))
	_ = w.Close()

	r, err := age.Decrypt(&buf, identity)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestParseRecipientsFromFileAndInline(t *testing.T) {
	id1, _ := age.GenerateX25519Identity()
	id2, _ := age.GenerateX25519Identity()
	file := filepath.Join(t.TempDir(), "recipients.txt")
	content := "# backup keys\n\n" + id2.Recipient().String() + "\n" + id1.Recipient().String() + "\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := ParseRecipients([]string{id1.Recipient().String(), file, "  "})
	if err != nil {
		t.Fatalf("ParseRecipients: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deduplicated recipients, got %d", len(got))
	}
}

func TestParseRecipientsErrors(t *testing.T) {
	if _, err := ParseRecipients(nil); err != ErrNoRecipients {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
	if _, err := ParseRecipients([]string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("expected error for missing recipient file")
	}
	if _, err := ParseRecipients([]string{"age1notavalidkey"}); err == nil {
		t.Fatal("expected error for malformed recipient")
	}
}

func TestReadIdentityFile(t *testing.T) {
	id, _ := age.GenerateX25519Identity()
	path := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(path, []byte("# created for tests\n"+id.String()+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	ids, err := ReadIdentityFile(path)
	if err != nil {
		t.Fatalf("ReadIdentityFile: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(ids))
	}
	if _, err := ReadIdentityFile(filepath.Join(t.TempDir(), "none")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidatePassphrase(t *testing.T) {
	tests := []struct {
		pass string
		ok   bool
	}{
		{"short", false},
		{"alllowercaseletters", false},
		{"Correct-Horse-42", true},
		{"Password1234", true},
	}
	for _, tt := range tests {
		if err := ValidatePassphrase(tt.pass); (err == nil) != tt.ok {
			t.Errorf("ValidatePassphrase(%q) = %v, want ok=%v", tt.pass, err, tt.ok)
		}
	}
}
