package inbound

import (
	"sort"
	"sync"

	"github.com/tcpfs/tcpfs/common/errors"
)

var (
	ErrNoChannel = errors.New("channel not found")
	ErrNoFile    = errors.New("file not found")
)

// Store keeps channels and their files in memory.
type Store struct {
	access   sync.RWMutex
	channels map[string]map[string][]byte
}

// NewStore returns a store holding the given empty channels.
func NewStore(channels ...string) *Store {
	s := &Store{channels: make(map[string]map[string][]byte)}
	for _, c := range channels {
		if c != "" {
			s.channels[c] = make(map[string][]byte)
		}
	}
	return s
}

// CreateChannel adds an empty channel. Creating an existing channel is not an error.
func (s *Store) CreateChannel(name string) error {
	if name == "" {
		return errors.New("empty channel name")
	}
	s.access.Lock()
	defer s.access.Unlock()
	if _, found := s.channels[name]; !found {
		s.channels[name] = make(map[string][]byte)
	}
	return nil
}

func (s *Store) Channels() []string {
	s.access.RLock()
	defer s.access.RUnlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Files lists the files of channel. An unknown channel has no files.
func (s *Store) Files(channel string) []string {
	s.access.RLock()
	defer s.access.RUnlock()
	files := s.channels[channel]
	if len(files) == 0 {
		return nil
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Put stores data as file, creating the channel when needed.
func (s *Store) Put(channel, file string, data []byte) error {
	if channel == "" || file == "" {
		return errors.New("empty channel or file name")
	}
	s.access.Lock()
	defer s.access.Unlock()
	files, found := s.channels[channel]
	if !found {
		files = make(map[string][]byte)
		s.channels[channel] = files
	}
	files[file] = append([]byte(nil), data...)
	return nil
}

func (s *Store) Get(channel, file string) ([]byte, error) {
	s.access.RLock()
	defer s.access.RUnlock()
	files, found := s.channels[channel]
	if !found {
		return nil, errors.New("no channel ", channel).Base(ErrNoChannel)
	}
	data, found := files[file]
	if !found {
		return nil, errors.New("no file ", file, " in ", channel).Base(ErrNoFile)
	}
	return data, nil
}
