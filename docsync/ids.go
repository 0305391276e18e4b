package docsync

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// UniqueIdProvider produces process-wide unique subscription identifiers.
// Each provider has a random shared prefix so ids from different providers
// (and different processes sharing a topic) do not collide.
type UniqueIdProvider struct {
	shared string
	unique atomic.Uint64
}

func NewUniqueIdProvider() *UniqueIdProvider {
	return &UniqueIdProvider{
		shared: strings.ToLower(NewId().String()[16:]),
	}
}

func (self *UniqueIdProvider) Get() string {
	id := self.unique.Add(1) - 1
	return fmt.Sprintf("%s-%d", self.shared, id)
}
