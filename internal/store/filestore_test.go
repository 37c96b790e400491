package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewFileStore(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates directory structure", func(t *testing.T) {
		_, err := NewFileStore(tmpDir, "test-client")
		if err != nil {
			t.Fatalf("NewFileStore failed: %v", err)
		}

		expectedDir := filepath.Join(tmpDir, "test-client")
		if _, err := os.Stat(expectedDir); os.IsNotExist(err) {
			t.Errorf("directory %q was not created", expectedDir)
		}
	})

	t.Run("rejects empty client ID", func(t *testing.T) {
		if _, err := NewFileStore(tmpDir, ""); err == nil {
			t.Error("expected error for empty clientID, got nil")
		}
	})

	t.Run("accepts custom permissions", func(t *testing.T) {
		fs, err := NewFileStore(tmpDir, "perm-test", WithPermissions(0600))
		if err != nil {
			t.Fatalf("NewFileStore failed: %v", err)
		}

		if err := fs.Put("c-1", []byte("payload")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		entries, err := os.ReadDir(filepath.Join(tmpDir, "perm-test"))
		if err != nil {
			t.Fatalf("ReadDir failed: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected one record file, got %d", len(entries))
		}

		info, err := entries[0].Info()
		if err != nil {
			t.Fatalf("Info failed: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("file permissions = %o, want 0600", info.Mode().Perm())
		}
	})
}

func TestFileStorePutGetRemove(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "test-client")
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := fs.Put("c-1", []byte("hello world")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := fs.Get("c-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("Get() = %q, want %q", got, "hello world")
	}

	if err := fs.Remove("c-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := fs.Get("c-1"); err != ErrNotFound {
		t.Errorf("Get() after Remove = %v, want ErrNotFound", err)
	}
}

func TestFileStoreList(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "test-client")
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := fs.Put(CommandKey(uint64(i)), []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := fs.Put("other-key", []byte("y")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	keys, err := fs.List(CommandPrefix)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("List() returned %d keys, want 3", len(keys))
	}
}

func TestFileStoreClear(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "test-client")
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	fs.Put("c-1", []byte("x"))
	fs.Put("c-2", []byte("y"))

	if err := fs.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	keys, _ := fs.List(CommandPrefix)
	if len(keys) != 0 {
		t.Errorf("List() after Clear returned %d keys, want 0", len(keys))
	}
}

func TestRecordRoundTrip(t *testing.T) {
	sub := &SubscribeRecord{Token: 5, Topics: []string{"a/b", "c/+"}, QoS: []uint8{0, 2}}
	decodedSub, err := DecodeSubscribeRecord(EncodeSubscribeRecord(sub))
	if err != nil {
		t.Fatalf("DecodeSubscribeRecord failed: %v", err)
	}
	if decodedSub.Token != sub.Token || len(decodedSub.Topics) != 2 || decodedSub.QoS[1] != 2 {
		t.Errorf("subscribe record round trip mismatch: got %+v", decodedSub)
	}

	unsub := &UnsubscribeRecord{Token: 6, Topics: []string{"a/b"}}
	decodedUnsub, err := DecodeUnsubscribeRecord(EncodeUnsubscribeRecord(unsub))
	if err != nil {
		t.Fatalf("DecodeUnsubscribeRecord failed: %v", err)
	}
	if decodedUnsub.Token != unsub.Token || len(decodedUnsub.Topics) != 1 {
		t.Errorf("unsubscribe record round trip mismatch: got %+v", decodedUnsub)
	}

	pub := &PublishRecord{Token: 7, Topic: "t", Payload: []byte("hello"), QoS: 2, Retained: true}
	decodedPub, err := DecodePublishRecord(EncodePublishRecord(pub))
	if err != nil {
		t.Fatalf("DecodePublishRecord failed: %v", err)
	}
	if decodedPub.Topic != pub.Topic || string(decodedPub.Payload) != "hello" || !decodedPub.Retained {
		t.Errorf("publish record round trip mismatch: got %+v", decodedPub)
	}
}
