package discovery

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZkPaths_Layout(t *testing.T) {
	paths := newZkPaths("/base", "mycluster")

	assert.Equal(t, "/base", paths.basePath)
	assert.Equal(t, "/base/mycluster", paths.clusterDir)
	assert.Equal(t, "/base/mycluster/events", paths.evtsPath)
	assert.Equal(t, "/base/mycluster/joinData", paths.joinDataDir)
	assert.Equal(t, "/base/mycluster/customEvents", paths.customEvtsDir)
	assert.Equal(t, "/base/mycluster/alive", paths.aliveNodesDir)
}

func TestValidatePath(t *testing.T) {
	valid := []string{"/", "/base", "/base/sub", "/a-b_c.1"}
	for _, path := range valid {
		assert.NoError(t, validatePath(path), path)
	}

	invalid := []string{"", "base", "/base/", "//", "/base//sub", "/base/./sub", "/base/..", "/ba\x00se"}
	for _, path := range invalid {
		assert.Error(t, validatePath(path), path)
	}
}

func TestAliveNodeName_RoundTrip(t *testing.T) {
	id := uuid.New()

	// The server appends the zero-padded sequence to the prefix.
	name := aliveNodePrefix(id, 42) + "0000000007"

	gotID, err := aliveNodeID(name)
	require.NoError(t, err)
	require.Equal(t, id, gotID)

	joinSeq, err := aliveJoinSeq(name)
	require.NoError(t, err)
	require.Equal(t, 42, joinSeq)

	internalID, err := aliveInternalID(name)
	require.NoError(t, err)
	require.Equal(t, 7, internalID)
}

func TestAliveNodeName_Malformed(t *testing.T) {
	for _, name := range []string{"", "no-separators", "x|y|z", "not-a-uuid|1|0000000001"} {
		_, err := aliveNodeID(name)
		assert.Error(t, err, name)
	}

	_, err := aliveJoinSeq("only-one|separator")
	assert.Error(t, err)

	_, err = aliveInternalID("trailing|separator|")
	assert.Error(t, err)
}

func TestCustomEventName_RoundTrip(t *testing.T) {
	id := uuid.New()

	name := customEventPrefix(id) + "0000000123"

	gotID, err := customEventSenderID(name)
	require.NoError(t, err)
	require.Equal(t, id, gotID)

	seq, err := customEventSeq(name)
	require.NoError(t, err)
	require.Equal(t, 123, seq)
}

func TestJoinDataPath(t *testing.T) {
	paths := newZkPaths("/base", "c1")
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	require.Equal(t,
		"/base/c1/joinData/6ba7b810-9dad-11d1-80b4-00c04fd430c8|0000000005",
		paths.joinDataPath(id, 5),
	)
}

func TestSeqFromCreatedPath(t *testing.T) {
	seq, err := seqFromCreatedPath("/base/c1/joinData/6ba7b810-9dad-11d1-80b4-00c04fd430c8|0000000011")
	require.NoError(t, err)
	require.Equal(t, 11, seq)

	_, err = seqFromCreatedPath("/base/c1/joinData/no-sequence")
	require.Error(t, err)
}
