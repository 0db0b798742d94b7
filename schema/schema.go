// Package schema carries the Bazel build event stream protos and compiles
// them on first use into dynamic message types. Resolving through Resolver
// turns a bazel_event payload into a build_event_stream.BuildEvent message
// without generated Go code for the Bazel schema.
package schema

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	// RootFile is the schema file that declares BuildEvent.
	RootFile = "build_event_stream.proto"

	// BuildEventName is the message Bazel packs into the bazel_event field.
	BuildEventName protoreflect.FullName = "build_event_stream.BuildEvent"
)

//go:embed proto/*.proto
var sources embed.FS

type (
	// Schema holds the compiled Bazel files and the types they declare.
	Schema struct {
		files []protoreflect.FileDescriptor
		types *protoregistry.Types
	}

	// resolver looks types up in the schema first and falls back to the
	// generated messages linked into the binary.
	resolver struct {
		primary  *protoregistry.Types
		fallback protoregistry.MessageTypeResolver
	}
)

var load = sync.OnceValues(func() (*Schema, error) {
	return Compile(context.Background())
})

// Load returns the schema compiled from the embedded protos. Compilation
// happens once per process.
func Load() (*Schema, error) {
	return load()
}

// Compile parses and links the embedded protos. Most callers want Load.
func Compile(ctx context.Context) (*Schema, error) {
	c := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: func(path string) (io.ReadCloser, error) {
				return sources.Open("proto/" + path)
			},
		}),
	}
	compiled, err := c.Compile(ctx, RootFile)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", RootFile, err)
	}
	s := &Schema{types: new(protoregistry.Types)}
	seen := make(map[string]bool)
	for _, f := range compiled {
		if err := s.add(f, seen); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Types returns the registry of every message and enum the schema declares.
func (s *Schema) Types() *protoregistry.Types {
	return s.types
}

// Files returns the schema files in dependency order.
func (s *Schema) Files() []protoreflect.FileDescriptor {
	return s.files
}

// BuildEventType returns the build_event_stream.BuildEvent message type.
func (s *Schema) BuildEventType() protoreflect.MessageType {
	mt, err := s.types.FindMessageByName(BuildEventName)
	if err != nil {
		// Compile registers BuildEvent or fails.
		panic(err)
	}
	return mt
}

// Resolver returns a resolver that knows the schema messages and, after
// them, every generated message in protoregistry.GlobalTypes.
func (s *Schema) Resolver() protoregistry.MessageTypeResolver {
	return resolver{primary: s.types, fallback: protoregistry.GlobalTypes}
}

// Resolver loads the schema and returns its resolver, see Schema.Resolver.
func Resolver() (protoregistry.MessageTypeResolver, error) {
	s, err := Load()
	if err != nil {
		return nil, err
	}
	return s.Resolver(), nil
}

func (s *Schema) add(fd protoreflect.FileDescriptor, seen map[string]bool) error {
	path := fd.Path()
	if seen[path] || strings.HasPrefix(path, "google/protobuf/") {
		return nil
	}
	seen[path] = true
	imports := fd.Imports()
	for i := 0; i < imports.Len(); i++ {
		if err := s.add(imports.Get(i).FileDescriptor, seen); err != nil {
			return err
		}
	}
	if err := registerEnums(s.types, fd.Enums()); err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	if err := registerMessages(s.types, fd.Messages()); err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	s.files = append(s.files, fd)
	return nil
}

func registerEnums(types *protoregistry.Types, enums protoreflect.EnumDescriptors) error {
	for i := 0; i < enums.Len(); i++ {
		if err := types.RegisterEnum(dynamicpb.NewEnumType(enums.Get(i))); err != nil {
			return err
		}
	}
	return nil
}

func registerMessages(types *protoregistry.Types, msgs protoreflect.MessageDescriptors) error {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		if md.IsMapEntry() {
			continue
		}
		if err := types.RegisterMessage(dynamicpb.NewMessageType(md)); err != nil {
			return err
		}
		if err := registerEnums(types, md.Enums()); err != nil {
			return err
		}
		if err := registerMessages(types, md.Messages()); err != nil {
			return err
		}
	}
	return nil
}

func (r resolver) FindMessageByName(name protoreflect.FullName) (protoreflect.MessageType, error) {
	mt, err := r.primary.FindMessageByName(name)
	if errors.Is(err, protoregistry.NotFound) {
		return r.fallback.FindMessageByName(name)
	}
	return mt, err
}

func (r resolver) FindMessageByURL(url string) (protoreflect.MessageType, error) {
	mt, err := r.primary.FindMessageByURL(url)
	if errors.Is(err, protoregistry.NotFound) {
		return r.fallback.FindMessageByURL(url)
	}
	return mt, err
}
