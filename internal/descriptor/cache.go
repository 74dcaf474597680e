// Package descriptor implements the FQN/service/enum lookup cache over a
// compiled file-descriptor set, following the three-tier algorithm described
// by the contract-testing plugin this module implements: try every
// package/local-name split of the query (tier 1), filter by package (tier
// 2), and resolve nested types by walking name segments (tier 3 — folded
// into tier 1/2 here, see below).
package descriptor

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// NotFoundError describes a failed lookup, naming the query, the packages
// searched, and whether a relative-name (deprecated) search path was taken.
type NotFoundError struct {
	Query            string
	PackagesSearched []string
	Relative         bool
}

func (e *NotFoundError) Error() string {
	if e.Relative {
		return fmt.Sprintf("descriptor: %q not found (searched all files by relative name, deprecated lookup path)", e.Query)
	}
	return fmt.Sprintf("descriptor: %q not found (searched packages: %s)", e.Query, strings.Join(e.PackagesSearched, ", "))
}

// Cache provides O(1)-amortised lookup of messages, services, and enums by
// name, accepting both fully-qualified (leading-dot) and relative names. It
// is built once from a [descriptorpb.FileDescriptorSet] and is safe for
// concurrent use; its interior caches use a single-writer/many-reader lock
// and are logically immutable once a name has been resolved.
type Cache struct {
	files *protoregistry.Files

	mu         sync.RWMutex
	packageIdx map[string][]protoreflect.FileDescriptor
	msgCache   map[string]protoreflect.MessageDescriptor
	svcCache   map[string]protoreflect.ServiceDescriptor
	enumCache  map[string]protoreflect.EnumDescriptor
}

// Fingerprint returns the lowercase-hex MD5 of the canonical serialized
// bytes of fds. This is the descriptor key used to bind an interaction to
// its descriptor bytes.
func Fingerprint(fds *descriptorpb.FileDescriptorSet) (string, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(fds)
	if err != nil {
		return "", fmt.Errorf("descriptor: marshal file descriptor set: %w", err)
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// New builds a Cache from a raw file-descriptor set. Files are registered
// into an internal [protoregistry.Files]; imports must already be present in
// fds.File (as protoc emits when invoked with --include_imports).
func New(fds *descriptorpb.FileDescriptorSet) (*Cache, error) {
	files := new(protoregistry.Files)
	packageIdx := make(map[string][]protoreflect.FileDescriptor)

	for _, fdp := range fds.GetFile() {
		fd, err := protodesc.NewFile(fdp, files)
		if err != nil {
			return nil, fmt.Errorf("descriptor: building file %q: %w", fdp.GetName(), err)
		}
		if err := files.RegisterFile(fd); err != nil {
			return nil, fmt.Errorf("descriptor: registering file %q: %w", fdp.GetName(), err)
		}
		pkg := string(fd.Package())
		packageIdx[pkg] = append(packageIdx[pkg], fd)
	}

	return &Cache{
		files:      files,
		packageIdx: packageIdx,
		msgCache:   make(map[string]protoreflect.MessageDescriptor),
		svcCache:   make(map[string]protoreflect.ServiceDescriptor),
		enumCache:  make(map[string]protoreflect.EnumDescriptor),
	}, nil
}

// Files returns the underlying registry, e.g. for protojson resolvers.
func (c *Cache) Files() *protoregistry.Files { return c.files }

// FileByFilename returns a pre-indexed file descriptor by its protoc path.
func (c *Cache) FileByFilename(name string) (protoreflect.FileDescriptor, error) {
	fd, err := c.files.FindFileByPath(name)
	if err != nil {
		return nil, fmt.Errorf("descriptor: file %q: %w", name, err)
	}
	return fd, nil
}

// splitCandidates generates every (package, localName) split of a
// fully-qualified (leading-dot) name, from the shallowest package split to
// the deepest. For a name with no leading dot (a relative name) a single
// ("", name) candidate is returned and the caller is expected to fall back
// to a whole-registry scan.
func splitCandidates(name string) (candidates [][2]string, relative bool) {
	trimmed := strings.TrimPrefix(name, ".")
	if trimmed == name {
		// No leading dot: relative name, backward-compatibility path.
		return [][2]string{{"", name}}, true
	}
	parts := strings.Split(trimmed, ".")
	for i := 0; i < len(parts); i++ {
		pkg := strings.Join(parts[:i], ".")
		local := strings.Join(parts[i:], ".")
		if local == "" {
			continue
		}
		candidates = append(candidates, [2]string{pkg, local})
	}
	return candidates, false
}

// FindMessage resolves a message descriptor by fully-qualified or relative
// name.
func (c *Cache) FindMessage(name string) (protoreflect.MessageDescriptor, error) {
	c.mu.RLock()
	if md, ok := c.msgCache[name]; ok {
		c.mu.RUnlock()
		return md, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if md, ok := c.msgCache[name]; ok {
		return md, nil
	}

	md, relative, searched, err := c.resolveMessage(name)
	if err != nil {
		return nil, &NotFoundError{Query: name, PackagesSearched: searched, Relative: relative}
	}
	c.msgCache[name] = md
	return md, nil
}

func (c *Cache) resolveMessage(name string) (protoreflect.MessageDescriptor, bool, []string, error) {
	candidates, relative := splitCandidates(name)
	if relative {
		// Tier 1 backward-compat: scan every file for the local name.
		local := candidates[0][1]
		for _, fd := range allFiles(c.files) {
			if md := findLocalMessage(fd, local); md != nil {
				return md, true, nil, nil
			}
		}
		return nil, true, nil, fmt.Errorf("not found")
	}

	var searched []string
	for _, cand := range candidates {
		pkg, local := cand[0], cand[1]
		searched = append(searched, pkg)
		for _, fd := range c.packageIdx[pkg] {
			if md := findLocalMessage(fd, local); md != nil {
				return md, false, searched, nil
			}
		}
	}
	return nil, false, searched, fmt.Errorf("not found")
}

// findLocalMessage walks dotted segments of local into a file's top-level
// and nested message types (tier 3, folded into the per-candidate scan).
func findLocalMessage(fd protoreflect.FileDescriptor, local string) protoreflect.MessageDescriptor {
	segs := strings.Split(local, ".")
	msgs := fd.Messages()
	var cur protoreflect.MessageDescriptor
	for i, seg := range segs {
		var next protoreflect.MessageDescriptor
		if i == 0 {
			next = msgs.ByName(protoreflect.Name(seg))
		} else {
			next = cur.Messages().ByName(protoreflect.Name(seg))
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// findLocalEnum resolves a (possibly nested) enum by dotted local name
// within a single file: all but the last segment select nested messages,
// the last segment selects the enum itself.
func findLocalEnum(fd protoreflect.FileDescriptor, local string) protoreflect.EnumDescriptor {
	segs := strings.Split(local, ".")
	if len(segs) == 1 {
		return fd.Enums().ByName(protoreflect.Name(segs[0]))
	}
	var cur protoreflect.MessageDescriptor
	for i, seg := range segs[:len(segs)-1] {
		var next protoreflect.MessageDescriptor
		if i == 0 {
			next = fd.Messages().ByName(protoreflect.Name(seg))
		} else {
			next = cur.Messages().ByName(protoreflect.Name(seg))
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	if cur == nil {
		return nil
	}
	return cur.Enums().ByName(protoreflect.Name(segs[len(segs)-1]))
}

// FindEnum resolves an enum descriptor by fully-qualified or relative name.
func (c *Cache) FindEnum(name string) (protoreflect.EnumDescriptor, error) {
	c.mu.RLock()
	if ed, ok := c.enumCache[name]; ok {
		c.mu.RUnlock()
		return ed, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ed, ok := c.enumCache[name]; ok {
		return ed, nil
	}

	candidates, relative := splitCandidates(name)
	if relative {
		local := candidates[0][1]
		for _, fd := range allFiles(c.files) {
			if ed := findLocalEnum(fd, local); ed != nil {
				c.enumCache[name] = ed
				return ed, nil
			}
		}
		return nil, &NotFoundError{Query: name, Relative: true}
	}

	var searched []string
	for _, cand := range candidates {
		pkg, local := cand[0], cand[1]
		searched = append(searched, pkg)
		for _, fd := range c.packageIdx[pkg] {
			if ed := findLocalEnum(fd, local); ed != nil {
				c.enumCache[name] = ed
				return ed, nil
			}
		}
	}
	return nil, &NotFoundError{Query: name, PackagesSearched: searched}
}

// FindEnumValue resolves an enum value's number by enum name and value name.
func (c *Cache) FindEnumValue(enumName, valueName string) (int32, protoreflect.EnumDescriptor, error) {
	ed, err := c.FindEnum(enumName)
	if err != nil {
		return 0, nil, err
	}
	vd := ed.Values().ByName(protoreflect.Name(valueName))
	if vd == nil {
		return 0, nil, fmt.Errorf("descriptor: enum %q has no value %q", enumName, valueName)
	}
	return int32(vd.Number()), ed, nil
}

// FindService resolves a service descriptor by fully-qualified or relative
// name. Services cannot nest, so tier 3 does not apply.
func (c *Cache) FindService(name string) (protoreflect.FileDescriptor, protoreflect.ServiceDescriptor, error) {
	c.mu.RLock()
	if sd, ok := c.svcCache[name]; ok {
		c.mu.RUnlock()
		return sd.ParentFile(), sd, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if sd, ok := c.svcCache[name]; ok {
		return sd.ParentFile(), sd, nil
	}

	candidates, relative := splitCandidates(name)
	if relative {
		local := candidates[0][1]
		for _, fd := range allFiles(c.files) {
			if sd := fd.Services().ByName(protoreflect.Name(local)); sd != nil {
				c.svcCache[name] = sd
				return fd, sd, nil
			}
		}
		return nil, nil, &NotFoundError{Query: name, Relative: true}
	}

	var searched []string
	for _, cand := range candidates {
		pkg, local := cand[0], cand[1]
		searched = append(searched, pkg)
		for _, fd := range c.packageIdx[pkg] {
			if sd := fd.Services().ByName(protoreflect.Name(local)); sd != nil {
				c.svcCache[name] = sd
				return fd, sd, nil
			}
		}
	}
	return nil, nil, &NotFoundError{Query: name, PackagesSearched: searched}
}

func allFiles(files *protoregistry.Files) []protoreflect.FileDescriptor {
	var out []protoreflect.FileDescriptor
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		out = append(out, fd)
		return true
	})
	return out
}
