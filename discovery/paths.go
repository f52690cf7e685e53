package discovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// zkPaths derives the fixed set of ZooKeeper paths used by a cluster. It is
// pure name derivation, no I/O happens here.
//
// The layout under basePath/clusterName:
//
//	events        - marshaled event log, plus per-event child dirs
//	joinData      - ephemeral-sequential joining node payloads
//	customEvents  - persistent-sequential custom messages with ack children
//	alive         - ephemeral-sequential alive markers, one per member
type zkPaths struct {
	basePath      string
	clusterDir    string
	evtsPath      string
	joinDataDir   string
	customEvtsDir string
	aliveNodesDir string
}

func newZkPaths(basePath, clusterName string) zkPaths {
	clusterDir := basePath + "/" + clusterName

	return zkPaths{
		basePath:      basePath,
		clusterDir:    clusterDir,
		evtsPath:      clusterDir + "/events",
		joinDataDir:   clusterDir + "/joinData",
		customEvtsDir: clusterDir + "/customEvents",
		aliveNodesDir: clusterDir + "/alive",
	}
}

// validatePath checks that the given string is a well-formed ZooKeeper path:
// absolute, no trailing slash, no empty or relative segments, no null
// characters.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must start with / character")
	}

	if path == "/" {
		return nil
	}

	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("path must not end with / character")
	}

	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("null character not allowed in path")
	}

	for _, segment := range strings.Split(path[1:], "/") {
		switch segment {
		case "":
			return fmt.Errorf("empty node name specified in path")
		case ".", "..":
			return fmt.Errorf("relative paths not allowed in path")
		}
	}

	return nil
}

// Alive node names have the form {uuid}|{joinSeq}|{storeSeq}, where storeSeq
// is the zero-padded sequence number appended by the server on creation. The
// prefix passed to create therefore ends with the second separator.

func aliveNodePrefix(id uuid.UUID, joinSeq int) string {
	return fmt.Sprintf("%s|%d|", id, joinSeq)
}

func aliveNodeID(name string) (uuid.UUID, error) {
	idx := strings.IndexByte(name, '|')
	if idx < 0 {
		return uuid.Nil, fmt.Errorf("malformed alive node name: %q", name)
	}

	id, err := uuid.Parse(name[:idx])
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed alive node name %q: %w", name, err)
	}

	return id, nil
}

func aliveJoinSeq(name string) (int, error) {
	parts := strings.Split(name, "|")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed alive node name: %q", name)
	}

	seq, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed alive node name %q: %w", name, err)
	}

	return seq, nil
}

func aliveInternalID(name string) (int, error) {
	idx := strings.LastIndexByte(name, '|')
	if idx < 0 || idx == len(name)-1 {
		return 0, fmt.Errorf("malformed alive node name: %q", name)
	}

	id, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed alive node name %q: %w", name, err)
	}

	return id, nil
}

// Join data and custom event names have the form {uuid}|{storeSeq}.

func (p zkPaths) joinDataPath(id uuid.UUID, joinSeq int) string {
	return fmt.Sprintf("%s/%s|%010d", p.joinDataDir, id, joinSeq)
}

func (p zkPaths) eventDataPath(eventID int64) string {
	return fmt.Sprintf("%s/%d", p.evtsPath, eventID)
}

func (p zkPaths) eventDataPathForJoined(eventID int64) string {
	return p.eventDataPath(eventID) + "/joined"
}

func customEventPrefix(id uuid.UUID) string {
	return id.String() + "|"
}

func customEventSeq(name string) (int, error) {
	idx := strings.LastIndexByte(name, '|')
	if idx < 0 || idx == len(name)-1 {
		return 0, fmt.Errorf("malformed custom event name: %q", name)
	}

	seq, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed custom event name %q: %w", name, err)
	}

	return seq, nil
}

func customEventSenderID(name string) (uuid.UUID, error) {
	idx := strings.IndexByte(name, '|')
	if idx < 0 {
		return uuid.Nil, fmt.Errorf("malformed custom event name: %q", name)
	}

	id, err := uuid.Parse(name[:idx])
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed custom event name %q: %w", name, err)
	}

	return id, nil
}

// seqFromCreatedPath extracts the server-assigned sequence from the full
// path returned by a sequential create.
func seqFromCreatedPath(path string) (int, error) {
	idx := strings.LastIndexByte(path, '|')
	if idx < 0 || idx == len(path)-1 {
		return 0, fmt.Errorf("no sequence in created path: %q", path)
	}

	seq, err := strconv.Atoi(path[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed sequence in created path %q: %w", path, err)
	}

	return seq, nil
}
