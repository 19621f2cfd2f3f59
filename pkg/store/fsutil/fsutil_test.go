package fsutil

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

type fixture struct {
	Name string `yaml:"name" json:"name"`
}

func TestAtomicWriteYAML_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "f.yaml")
	if err := AtomicWriteYAML(path, fixture{Name: "alpha"}); err != nil {
		t.Fatalf("AtomicWriteYAML: %v", err)
	}
	var got fixture
	if err := ReadYAML(path, &got); err != nil {
		t.Fatalf("ReadYAML: %v", err)
	}
	if got.Name != "alpha" {
		t.Errorf("expected name alpha, got %q", got.Name)
	}
}

func TestAtomicWriteJSON_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")
	if err := AtomicWriteJSON(path, fixture{Name: "beta"}); err != nil {
		t.Fatalf("AtomicWriteJSON: %v", err)
	}
	var got fixture
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Name != "beta" {
		t.Errorf("expected name beta, got %q", got.Name)
	}
}

func TestAtomicWriteJSON_LeavesNoTempFileBehind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")
	if err := AtomicWriteJSON(path, fixture{Name: "gamma"}); err != nil {
		t.Fatalf("AtomicWriteJSON: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected the .tmp file to be renamed away, not left behind")
	}
}

func TestReadYAML_MissingFileReturnsError(t *testing.T) {
	var got fixture
	err := ReadYAML(filepath.Join(t.TempDir(), "absent.yaml"), &got)
	if !os.IsNotExist(err) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestAppendJSONLSync_AppendsOneLinePerCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := AppendJSONLSync(path, fixture{Name: "one"}); err != nil {
		t.Fatalf("AppendJSONLSync: %v", err)
	}
	if err := AppendJSONLSync(path, fixture{Name: "two"}); err != nil {
		t.Fatalf("AppendJSONLSync: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 newline-terminated entries, got %d (content: %q)", lines, data)
	}
}

func TestEnsureFile_CreatesEmptyFileOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "marker")
	if err := EnsureFile(path); err != nil {
		t.Fatalf("EnsureFile: %v", err)
	}
	if err := EnsureFile(path); err != nil {
		t.Fatalf("EnsureFile (second call): %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected an empty file, got size %d", info.Size())
	}
}

func TestWithLock_SerializesConcurrentCallersOnSameKey(t *testing.T) {
	l := NewLocks()
	path := filepath.Join(t.TempDir(), "shared")

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = WithLock(l, path, func() (struct{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				atomic.AddInt32(&active, -1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most one concurrent holder of the same key's lock, saw %d", maxActive)
	}
}

func TestWithLock_PropagatesFnError(t *testing.T) {
	l := NewLocks()
	path := filepath.Join(t.TempDir(), "f")

	sentinel := os.ErrPermission
	_, err := WithLock(l, path, func() (int, error) {
		return 0, sentinel
	})
	if err != sentinel {
		t.Errorf("expected the fn's error to propagate unchanged, got %v", err)
	}
}
