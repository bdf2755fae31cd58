package host

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// SceneSnapshot is what the update thread hands to the draw thread each frame.
// It must not be modified once published.
type SceneSnapshot struct {
	// Root is the application's immutable view of the scene.
	Root any
	// Commands is the encoded draw command stream for Root.
	Commands []byte
	Checksum uint64

	Sequence  uint64
	CreatedAt time.Time
}

func NewSceneSnapshot(root any, commands []byte) *SceneSnapshot {
	return &SceneSnapshot{
		Root:      root,
		Commands:  commands,
		Checksum:  xxhash.Sum64(commands),
		CreatedAt: time.Now(),
	}
}

// Verify checks Commands against the checksum taken when the snapshot was built.
func (s *SceneSnapshot) Verify() error {
	if sum := xxhash.Sum64(s.Commands); sum != s.Checksum {
		return fmt.Errorf("%w: frame %d: got %016x, want %016x", ErrCorruptSnapshot, s.Sequence, sum, s.Checksum)
	}
	return nil
}
