package descriptor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/descriptor"
)

func strp(s string) *string { return &s }
func i32p(i int32) *int32   { return &i }

func fieldType(t descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto_Type {
	return &t
}

// buildFDS constructs a small, hand-written FileDescriptorSet exercising
// nested types, enums, collisions across packages, and a service, without
// requiring a real protoc invocation.
func buildFDS(t *testing.T) *descriptorpb.FileDescriptorSet {
	t.Helper()

	mainFile := &descriptorpb.FileDescriptorProto{
		Name:    strp("main.proto"),
		Package: strp("pkg"),
		Dependency: []string{
			"imported.proto",
		},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: strp("Outer"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: strp("id"), Number: i32p(1), Type: fieldType(descriptorpb.FieldDescriptorProto_TYPE_STRING)},
				},
				NestedType: []*descriptorpb.DescriptorProto{
					{
						Name: strp("Inner"),
						Field: []*descriptorpb.FieldDescriptorProto{
							{Name: strp("value"), Number: i32p(1), Type: fieldType(descriptorpb.FieldDescriptorProto_TYPE_STRING)},
						},
					},
				},
				EnumType: []*descriptorpb.EnumDescriptorProto{
					{
						Name: strp("Status"),
						Value: []*descriptorpb.EnumValueDescriptorProto{
							{Name: strp("UNKNOWN"), Number: i32p(0)},
							{Name: strp("OK"), Number: i32p(1)},
						},
					},
				},
			},
			{
				Name: strp("Tag"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: strp("name"), Number: i32p(1), Type: fieldType(descriptorpb.FieldDescriptorProto_TYPE_STRING)},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: strp("Test"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       strp("GetTest"),
						InputType:  strp(".pkg.Outer"),
						OutputType: strp(".pkg.Outer"),
					},
				},
			},
		},
	}

	importedFile := &descriptorpb.FileDescriptorProto{
		Name:    strp("imported.proto"),
		Package: strp("imported"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: strp("Tag"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: strp("label"), Number: i32p(1), Type: fieldType(descriptorpb.FieldDescriptorProto_TYPE_STRING)},
				},
			},
		},
	}

	return &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{importedFile, mainFile},
	}
}

func TestCache_FindMessage_FQNAndRelative(t *testing.T) {
	fds := buildFDS(t)
	cache, err := descriptor.New(fds)
	require.NoError(t, err)

	md, err := cache.FindMessage(".pkg.Outer")
	require.NoError(t, err)
	assert.Equal(t, "pkg.Outer", string(md.FullName()))

	// Cache equivalence: relative name resolves the same descriptor when
	// unique across files.
	md2, err := cache.FindMessage("Outer")
	require.NoError(t, err)
	assert.Equal(t, md.FullName(), md2.FullName())
}

func TestCache_NestedTypeResolution(t *testing.T) {
	fds := buildFDS(t)
	cache, err := descriptor.New(fds)
	require.NoError(t, err)

	md, err := cache.FindMessage(".pkg.Outer.Inner")
	require.NoError(t, err)
	assert.Equal(t, "pkg.Outer.Inner", string(md.FullName()))
}

func TestCache_CollisionHandling(t *testing.T) {
	fds := buildFDS(t)
	cache, err := descriptor.New(fds)
	require.NoError(t, err)

	imported, err := cache.FindMessage(".imported.Tag")
	require.NoError(t, err)
	assert.Equal(t, "imported.Tag", string(imported.FullName()))

	plain, err := cache.FindMessage(".pkg.Tag")
	require.NoError(t, err)
	assert.Equal(t, "pkg.Tag", string(plain.FullName()))
}

func TestCache_FindEnum_Nested(t *testing.T) {
	fds := buildFDS(t)
	cache, err := descriptor.New(fds)
	require.NoError(t, err)

	ed, err := cache.FindEnum(".pkg.Outer.Status")
	require.NoError(t, err)
	assert.Equal(t, "pkg.Outer.Status", string(ed.FullName()))

	num, _, err := cache.FindEnumValue(".pkg.Outer.Status", "OK")
	require.NoError(t, err)
	assert.Equal(t, int32(1), num)
}

func TestCache_FindService(t *testing.T) {
	fds := buildFDS(t)
	cache, err := descriptor.New(fds)
	require.NoError(t, err)

	fd, sd, err := cache.FindService(".pkg.Test")
	require.NoError(t, err)
	require.NotNil(t, fd)
	assert.Equal(t, "pkg.Test", string(sd.FullName()))

	md := sd.Methods().Get(0)
	assert.Equal(t, "GetTest", string(md.Name()))
}

func TestCache_NotFound(t *testing.T) {
	fds := buildFDS(t)
	cache, err := descriptor.New(fds)
	require.NoError(t, err)

	_, err = cache.FindMessage(".pkg.DoesNotExist")
	require.Error(t, err)
	var nf *descriptor.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.False(t, nf.Relative)
}

func TestFingerprint_Stable(t *testing.T) {
	fds := buildFDS(t)
	fp1, err := descriptor.Fingerprint(fds)
	require.NoError(t, err)
	fp2, err := descriptor.Fingerprint(fds)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 32)
}
