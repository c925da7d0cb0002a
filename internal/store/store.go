// Package store is the node's replicated state machine: the four
// collections spec §3 names (users, channels, messages, publications),
// durable via a write-ahead log plus periodic snapshots.
//
// Every mutation, whether it originates from a local client request or
// from an inbound replication event, goes through the same WAL-first path:
// the operation is appended to disk before the in-memory collection is
// updated, so a crash between the two leaves nothing to reconcile — replay
// simply re-applies whatever made it to the log.
package store

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"distributed-chat-cluster/internal/chaterr"
)

// duplicateWindow is the spec §4.3 duplicate-suppression heuristic: a
// replicated message/publication is treated as a duplicate of an existing
// record when the key fields match and the physical timestamps differ by
// less than this window. Flagged in spec §9 as an open question (a
// content hash would be deterministic where this is not) — kept as-is
// since the base spec pins the heuristic explicitly.
const duplicateWindow = 1.0

// Store holds the four replicated collections in memory and persists them
// through a shared WAL plus four independent snapshot files.
type Store struct {
	mu           sync.RWMutex
	users        map[string]struct{}
	channels     map[string]*Channel
	messages     []Message
	publications []Publication

	wal     *WAL
	dataDir string
}

// Open creates or recovers a Store rooted at dataDir: it loads whichever
// of the four snapshot files exist, opens the shared operation WAL, and
// replays any entries written since the last snapshot.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	s := &Store{
		users:    make(map[string]struct{}),
		channels: make(map[string]*Channel),
		dataDir:  dataDir,
	}

	if err := s.loadSnapshots(); err != nil {
		return nil, fmt.Errorf("store: load snapshots: %w", err)
	}

	wal, err := newWAL(filepath.Join(dataDir, "ops.wal"))
	if err != nil {
		return nil, fmt.Errorf("store: open wal: %w", err)
	}
	s.wal = wal

	if err := s.replayWAL(); err != nil {
		return nil, fmt.Errorf("store: replay wal: %w", err)
	}

	return s, nil
}

// ─── Local mutations (client-facing) ───────────────────────────────────────

// Login registers user. It is idempotent: re-adding an existing user
// still returns (false, nil) rather than an error, matching spec §4.2's
// "idempotent: re-adding an existing user is success".
func (s *Store) Login(user string) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user]; ok {
		return false, nil
	}

	if err := s.wal.append(walEntry{Op: opLogin, Source: localSource, Data: loginData{User: user}}); err != nil {
		return false, err
	}
	s.users[user] = struct{}{}
	return true, nil
}

// Users returns every registered username.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	return out
}

// HasUser reports whether user is registered.
func (s *Store) HasUser(user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[user]
	return ok
}

// CreateChannel creates a new channel with creator as its first
// subscriber. It returns chaterr.ErrChannelExists, unmodified, if the
// name is already taken — spec §4.2's "Canal já existe" failure.
func (s *Store) CreateChannel(name, creator string, physicalTS float64, logicalTS uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[name]; ok {
		return chaterr.ErrChannelExists
	}

	ch := &Channel{
		Name:              name,
		Creator:           creator,
		Subscribers:       []string{creator},
		CreatedAtPhysical: physicalTS,
		CreatedAtLogical:  logicalTS,
	}

	data := channelData{Name: name, Creator: creator, Subscribers: ch.Subscribers, PhysicalTS: physicalTS, LogicalTS: logicalTS}
	if err := s.wal.append(walEntry{Op: opChannelCreate, Source: localSource, Data: data}); err != nil {
		return err
	}
	s.channels[name] = ch
	return nil
}

// Channels returns every channel, snapshotted as value copies.
func (s *Store) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, *ch)
	}
	return out
}

// HasChannel reports whether name exists.
func (s *Store) HasChannel(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[name]
	return ok
}

// AddMessage appends a private message. Returns chaterr.ErrUnknownUser if
// to is not a registered user — spec §4.2/§9's decided error variant for
// an unknown recipient.
func (s *Store) AddMessage(from, to, body string, physicalTS float64, logicalTS uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[to]; !ok {
		return chaterr.ErrUnknownUser
	}

	m := Message{From: from, To: to, Body: body, PhysicalTS: physicalTS, LogicalTS: logicalTS}
	data := messageData(m)
	if err := s.wal.append(walEntry{Op: opMessage, Source: localSource, Data: data}); err != nil {
		return err
	}
	s.messages = append(s.messages, m)
	return nil
}

// MessagesFor returns every message where user is either sender or
// recipient, in insertion order.
func (s *Store) MessagesFor(user string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0)
	for _, m := range s.messages {
		if m.From == user || m.To == user {
			out = append(out, m)
		}
	}
	return out
}

// AddPublication appends a channel post. Returns chaterr.ErrUnknownChannel
// if channel does not exist.
func (s *Store) AddPublication(user, channel, body string, physicalTS float64, logicalTS uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channel]; !ok {
		return chaterr.ErrUnknownChannel
	}

	p := Publication{User: user, Channel: channel, Body: body, PhysicalTS: physicalTS, LogicalTS: logicalTS}
	data := publicationData(p)
	if err := s.wal.append(walEntry{Op: opPublish, Source: localSource, Data: data}); err != nil {
		return err
	}
	s.publications = append(s.publications, p)
	return nil
}

// PublicationsFor returns every publication to channel, in insertion
// order.
func (s *Store) PublicationsFor(channel string) []Publication {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Publication, 0)
	for _, p := range s.publications {
		if p.Channel == channel {
			out = append(out, p)
		}
	}
	return out
}

// ─── Remote mutations (replication apply) ──────────────────────────────────
//
// Each ApplyX method implements spec §4.3's idempotent-apply rule for one
// operation kind. Origin is passed explicitly by the caller (the
// replicator, which has already dropped origin-loopback events) rather
// than threaded through a reentrancy flag — spec §9's guidance to replace
// the source's `is_replicating` field with an explicit parameter.

// ApplyLogin idempotently adds user to the users set. Returns whether the
// set actually changed.
func (s *Store) ApplyLogin(user string) (applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user]; ok {
		return false, nil
	}
	if err := s.wal.append(walEntry{Op: opLogin, Source: remoteSource, Data: loginData{User: user}}); err != nil {
		return false, err
	}
	s.users[user] = struct{}{}
	return true, nil
}

// ApplyChannelCreate inserts a channel only if its name is absent,
// preserving whichever replica's creator/timestamp/clock arrived first —
// spec §4.3's "insert only if name absent; preserve original
// creator/timestamp/clock".
func (s *Store) ApplyChannelCreate(name, creator string, subscribers []string, physicalTS float64, logicalTS uint64) (applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[name]; ok {
		return false, nil
	}

	ch := &Channel{Name: name, Creator: creator, Subscribers: append([]string(nil), subscribers...), CreatedAtPhysical: physicalTS, CreatedAtLogical: logicalTS}
	data := channelData{Name: name, Creator: creator, Subscribers: ch.Subscribers, PhysicalTS: physicalTS, LogicalTS: logicalTS}
	if err := s.wal.append(walEntry{Op: opChannelCreate, Source: remoteSource, Data: data}); err != nil {
		return false, err
	}
	s.channels[name] = ch
	return true, nil
}

// ApplyMessage appends a replicated private message unless an existing
// record with the same from/to/body already exists within duplicateWindow
// seconds of physicalTS — spec §4.3's best-effort duplicate suppression.
func (s *Store) ApplyMessage(from, to, body string, physicalTS float64, logicalTS uint64) (applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.From == from && m.To == to && m.Body == body && math.Abs(m.PhysicalTS-physicalTS) < duplicateWindow {
			return false, nil
		}
	}

	m := Message{From: from, To: to, Body: body, PhysicalTS: physicalTS, LogicalTS: logicalTS}
	data := messageData(m)
	if err := s.wal.append(walEntry{Op: opMessage, Source: remoteSource, Data: data}); err != nil {
		return false, err
	}
	s.messages = append(s.messages, m)
	return true, nil
}

// ApplyPublication appends a replicated channel post unless an existing
// record with the same user/channel/body already exists within
// duplicateWindow seconds of physicalTS.
func (s *Store) ApplyPublication(user, channel, body string, physicalTS float64, logicalTS uint64) (applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.publications {
		if p.User == user && p.Channel == channel && p.Body == body && math.Abs(p.PhysicalTS-physicalTS) < duplicateWindow {
			return false, nil
		}
	}

	p := Publication{User: user, Channel: channel, Body: body, PhysicalTS: physicalTS, LogicalTS: logicalTS}
	data := publicationData(p)
	if err := s.wal.append(walEntry{Op: opPublish, Source: remoteSource, Data: data}); err != nil {
		return false, err
	}
	s.publications = append(s.publications, p)
	return true, nil
}

// ─── Snapshot / sync ────────────────────────────────────────────────────────

// Snapshot is a point-in-time copy of all four collections, returned by
// the `sync` service (spec §4.2) and written to the four on-disk files.
type Snapshot struct {
	Users        []string      `json:"users" codec:"users"`
	Channels     []Channel     `json:"channels" codec:"channels"`
	Messages     []Message     `json:"messages" codec:"messages"`
	Publications []Publication `json:"publications" codec:"publications"`
}

// Sync returns a full snapshot of all four collections, for the `sync`
// service and for peer catch-up.
func (s *Store) Sync() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.users))
	for u := range s.users {
		users = append(users, u)
	}
	channels := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, *ch)
	}
	return Snapshot{
		Users:        users,
		Channels:     channels,
		Messages:     append([]Message(nil), s.messages...),
		Publications: append([]Publication(nil), s.publications...),
	}
}

// PersistSnapshot rewrites the four on-disk snapshot files from the
// current in-memory state and truncates the WAL — spec §4.7's "rewritten
// in full after every mutation", implemented here as an explicit call the
// dispatcher makes after each successful login, channel, publish and
// message request (and Replicator.SyncFromPeer after a catch-up) rather
// than on every internal mutation. Replicated mutations applied between
// calls are durable through the WAL until the next call.
func (s *Store) PersistSnapshot() error {
	s.mu.RLock()
	users := make([]string, 0, len(s.users))
	for u := range s.users {
		users = append(users, u)
	}
	channels := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, *ch)
	}
	messages := append([]Message(nil), s.messages...)
	publications := append([]Publication(nil), s.publications...)
	s.mu.RUnlock()

	if err := writeJSONAtomic(filepath.Join(s.dataDir, "users.json"), usersFile{Users: users}); err != nil {
		return fmt.Errorf("store: persist users: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(s.dataDir, "channels.json"), channelsFile{Channels: channels}); err != nil {
		return fmt.Errorf("store: persist channels: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(s.dataDir, "messages.json"), messagesFile{Messages: messages}); err != nil {
		return fmt.Errorf("store: persist messages: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(s.dataDir, "publications.json"), publicationsFile{Publications: publications}); err != nil {
		return fmt.Errorf("store: persist publications: %w", err)
	}

	return s.wal.truncate()
}

type usersFile struct {
	Users []string `json:"users"`
}
type channelsFile struct {
	Channels []Channel `json:"channels"`
}
type messagesFile struct {
	Messages []Message `json:"messages"`
}
type publicationsFile struct {
	Publications []Publication `json:"publications"`
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) loadSnapshots() error {
	var uf usersFile
	if err := readJSONIfExists(filepath.Join(s.dataDir, "users.json"), &uf); err != nil {
		return err
	}
	for _, u := range uf.Users {
		s.users[u] = struct{}{}
	}

	var cf channelsFile
	if err := readJSONIfExists(filepath.Join(s.dataDir, "channels.json"), &cf); err != nil {
		return err
	}
	for i := range cf.Channels {
		ch := cf.Channels[i]
		s.channels[ch.Name] = &ch
	}

	var mf messagesFile
	if err := readJSONIfExists(filepath.Join(s.dataDir, "messages.json"), &mf); err != nil {
		return err
	}
	s.messages = mf.Messages

	var pf publicationsFile
	if err := readJSONIfExists(filepath.Join(s.dataDir, "publications.json"), &pf); err != nil {
		return err
	}
	s.publications = pf.Publications

	return nil
}

// readJSONIfExists decodes path into v, leaving v untouched if the file
// is absent or malformed — spec §4.7's "missing or malformed files
// initialize to empty state".
func readJSONIfExists(path string, v any) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return nil // malformed — treated as absent, not fatal
	}
	return nil
}

// replayWAL re-applies every entry recorded since the last snapshot
// directly into memory, without re-appending to the WAL.
func (s *Store) replayWAL() error {
	entries, err := s.wal.readAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.applyWALEntry(e)
	}
	return nil
}

func (s *Store) applyWALEntry(e walEntry) {
	switch e.Op {
	case opLogin:
		var d loginData
		if err := e.decode(&d); err != nil {
			return
		}
		s.users[d.User] = struct{}{}
	case opChannelCreate:
		var d channelData
		if err := e.decode(&d); err != nil {
			return
		}
		if _, ok := s.channels[d.Name]; ok {
			return
		}
		s.channels[d.Name] = &Channel{Name: d.Name, Creator: d.Creator, Subscribers: d.Subscribers, CreatedAtPhysical: d.PhysicalTS, CreatedAtLogical: d.LogicalTS}
	case opMessage:
		var d messageData
		if err := e.decode(&d); err != nil {
			return
		}
		s.messages = append(s.messages, Message(d))
	case opPublish:
		var d publicationData
		if err := e.decode(&d); err != nil {
			return
		}
		s.publications = append(s.publications, Publication(d))
	}
}

// Close closes the underlying WAL file handle.
func (s *Store) Close() error {
	return s.wal.close()
}
