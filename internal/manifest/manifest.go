package manifest

import (
	"bufio"
	_ "crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
)

// FileName is the manifest file stored at the top of every store entry.
// It is excluded from the digest.
const FileName = ".manifest"

// Kind is the node type letter used in manifest lines.
type Kind byte

const (
	KindFile       Kind = 'F'
	KindExecutable Kind = 'X'
	KindSymlink    Kind = 'S'
	KindDir        Kind = 'D'
)

// Node is a single manifest line.
type Node struct {
	Kind  Kind
	Hash  string // hex sha256 of the content, or of the link target
	MTime int64  // files and executables only
	Size  int64
	Name  string // base name; for directories the slash-rooted path
}

func (n Node) String() string {
	switch n.Kind {
	case KindDir:
		return fmt.Sprintf("D %s", n.Name)
	case KindSymlink:
		return fmt.Sprintf("S %s %d %s", n.Hash, n.Size, n.Name)
	default:
		return fmt.Sprintf("%c %s %d %d %s", n.Kind, n.Hash, n.MTime, n.Size, n.Name)
	}
}

// Manifest describes a directory tree.
type Manifest struct {
	Algorithm Algorithm
	Nodes     []Node
}

// Generate walks root and builds its manifest. Files are listed before
// sub-directories, both in byte order; symlinks are recorded, not followed.
func Generate(root string, alg Algorithm) (*Manifest, error) {
	if !alg.valid() {
		return nil, fmt.Errorf("unknown manifest algorithm %q", alg)
	}
	m := &Manifest{Algorithm: alg}
	if err := m.walk(root, ""); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) walk(abs, rel string) error {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", abs, err)
	}

	var dirs []string
	for _, e := range entries {
		name := e.Name()
		if strings.ContainsAny(name, "\n\r") {
			return fmt.Errorf("file name %q contains a newline", path.Join(rel, name))
		}
		if rel == "" && name == FileName {
			continue
		}
		full := filepath.Join(abs, name)
		info, err := os.Lstat(full)
		if err != nil {
			return fmt.Errorf("stat %s: %w", full, err)
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			dirs = append(dirs, name)
		case mode&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %w", full, err)
			}
			m.Nodes = append(m.Nodes, Node{
				Kind: KindSymlink,
				Hash: digest.SHA256.FromString(target).Encoded(),
				Size: int64(len(target)),
				Name: name,
			})
		case mode.IsRegular():
			hash, err := hashFile(full)
			if err != nil {
				return err
			}
			kind := KindFile
			if mode.Perm()&0o111 != 0 {
				kind = KindExecutable
			}
			m.Nodes = append(m.Nodes, Node{
				Kind:  kind,
				Hash:  hash,
				MTime: info.ModTime().Unix(),
				Size:  info.Size(),
				Name:  name,
			})
		default:
			return fmt.Errorf("unsupported file type %s for %s", mode.Type(), full)
		}
	}

	for _, name := range dirs {
		sub := path.Join(rel, name)
		m.Nodes = append(m.Nodes, Node{Kind: KindDir, Name: "/" + sub})
		if err := m.walk(filepath.Join(abs, name), sub); err != nil {
			return err
		}
	}
	return nil
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()
	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", p, err)
	}
	return d.Encoded(), nil
}

// WriteTo writes the manifest text, one node per line.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, n := range m.Nodes {
		c, err := io.WriteString(w, n.String()+"\n")
		total += int64(c)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Digest hashes the manifest text.
func (m *Manifest) Digest() Digest {
	h := digest.SHA256.Hash()
	_, _ = m.WriteTo(h)
	return Digest{Algorithm: m.Algorithm, Value: m.Algorithm.encode(h.Sum(nil))}
}

// TotalSize sums the sizes of all files and symlinks.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, n := range m.Nodes {
		total += n.Size
	}
	return total
}

// Save writes the manifest to path.
func (m *Manifest) Save(p string) error {
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("creating manifest file: %w", err)
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("writing manifest file: %w", err)
	}
	return f.Close()
}

// Load reads a manifest written by Save.
func Load(p string, alg Algorithm) (*Manifest, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening manifest file: %w", err)
	}
	defer f.Close()

	m := &Manifest{Algorithm: alg}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		n, err := parseNode(line)
		if err != nil {
			return nil, fmt.Errorf("parsing manifest %s: %w", p, err)
		}
		m.Nodes = append(m.Nodes, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", p, err)
	}
	return m, nil
}

func parseNode(line string) (Node, error) {
	if len(line) < 3 || line[1] != ' ' {
		return Node{}, fmt.Errorf("malformed line %q", line)
	}
	kind := Kind(line[0])
	rest := line[2:]
	switch kind {
	case KindDir:
		return Node{Kind: kind, Name: rest}, nil
	case KindSymlink:
		f := strings.SplitN(rest, " ", 3)
		if len(f) != 3 {
			return Node{}, fmt.Errorf("malformed symlink line %q", line)
		}
		size, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return Node{}, fmt.Errorf("malformed size in %q", line)
		}
		return Node{Kind: kind, Hash: f[0], Size: size, Name: f[2]}, nil
	case KindFile, KindExecutable:
		f := strings.SplitN(rest, " ", 4)
		if len(f) != 4 {
			return Node{}, fmt.Errorf("malformed file line %q", line)
		}
		mtime, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return Node{}, fmt.Errorf("malformed mtime in %q", line)
		}
		size, err := strconv.ParseInt(f[2], 10, 64)
		if err != nil {
			return Node{}, fmt.Errorf("malformed size in %q", line)
		}
		return Node{Kind: kind, Hash: f[0], MTime: mtime, Size: size, Name: f[3]}, nil
	}
	return Node{}, fmt.Errorf("unknown node type in %q", line)
}

// Diff returns a description of the first difference between want and got,
// or "" if they are identical.
func Diff(want, got *Manifest) string {
	dir := ""
	for i := 0; i < len(want.Nodes) || i < len(got.Nodes); i++ {
		switch {
		case i >= len(want.Nodes):
			return fmt.Sprintf("unexpected entry %q in %s", got.Nodes[i].Name, dirLabel(dir))
		case i >= len(got.Nodes):
			return fmt.Sprintf("missing entry %q in %s", want.Nodes[i].Name, dirLabel(dir))
		}
		w, g := want.Nodes[i], got.Nodes[i]
		if w != g {
			if w.Name == g.Name {
				return fmt.Sprintf("entry %q in %s changed (%s -> %s)", w.Name, dirLabel(dir), w, g)
			}
			return fmt.Sprintf("entry %q in %s differs from expected %q", g.Name, dirLabel(dir), w.Name)
		}
		if w.Kind == KindDir {
			dir = w.Name
		}
	}
	return ""
}

func dirLabel(dir string) string {
	if dir == "" {
		return "/"
	}
	return dir
}
