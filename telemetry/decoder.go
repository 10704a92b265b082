// Package telemetry decodes the instrument's binary data link into
// time-stitched multi-track sample buffers.
//
// The device streams samples live while a primitive runs (online data).
// Samples it could not deliver in time arrive afterwards as bulk replay or
// out-of-order appendum batches that must be merged back before the buffer
// is committed (complete data). Every primitive restarts its local clock
// near zero; the decoder shifts each sample onto one continuous timeline by
// adding the accumulated maximum of all previously committed primitives.
//
// The stream has no frame delimiter beyond the declared payload length, so
// any violation is fatal: a desynchronized stream cannot be resynchronized
// locally and the decode goroutine terminates. Check Err / Healthy.
package telemetry

import (
	"bufio"
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/alive/v2"
	atomic_clock "github.com/temoto/atomic_clock"

	"github.com/potlab/pstat/fault"
	"github.com/potlab/pstat/log2"
	"github.com/potlab/pstat/transport"
)

// Batch is a copy of per-track sample data, all slices of equal length.
type Batch map[Track][]float64

// Range selects sample indexes [Min, Max). Max 0 means to the end.
type Range struct {
	Min int
	Max int
}

const commitChanCap = 8

type Decoder struct {
	alive *alive.Alive
	log   *log2.Log
	conn  transport.Conn
	br    *bufio.Reader

	schema atomic.Value // []Track, set once by the decode goroutine

	// Lock order: completeLk before onlineLk, same as commit.
	onlineLk   sync.Mutex
	online     map[Track][]float64
	completeLk sync.Mutex
	complete   map[Track][]float64

	// Clock stitching state, guarded by onlineLk. cycleMax is the largest
	// local time seen in the primitive currently streaming, baseOffset the
	// sum of all previously committed primitives' cycleMax.
	cycleMax   float64
	baseOffset float64

	lastTag         uint64
	lastHeaderState HeaderState
	haveHeader      bool

	lastFrame *atomic_clock.Clock
	commitCh  chan Batch

	errLk sync.Mutex
	err   error
}

func NewDecoder(conn transport.Conn, log *log2.Log) *Decoder {
	self := &Decoder{
		alive:     alive.NewAlive(),
		log:       log,
		conn:      conn,
		br:        bufio.NewReader(conn),
		online:    make(map[Track][]float64),
		complete:  make(map[Track][]float64),
		lastFrame: atomic_clock.New(),
		commitCh:  make(chan Batch, commitChanCap),
	}
	self.alive.Add(1)
	go self.decodeLoop()
	return self
}

// Stop signals the decode goroutine, closes the transport and joins.
func (self *Decoder) Stop() {
	self.alive.Stop()
	_ = self.conn.Close()
	self.alive.Wait()
}

// Healthy is false once the decode goroutine terminated, including after a
// fatal protocol violation. Further data will never arrive then; buffers
// keep whatever was decoded before.
func (self *Decoder) Healthy() bool { return self.alive.IsRunning() }

// Err returns the fault that terminated the decode goroutine, nil while
// healthy or after a plain Stop.
func (self *Decoder) Err() error {
	self.errLk.Lock()
	defer self.errLk.Unlock()
	return self.err
}

// Tracks returns the negotiated schema, nil before the first
// MeasurementTracks frame.
func (self *Decoder) Tracks() []Track {
	if v := self.schema.Load(); v != nil {
		return v.([]Track)
	}
	return nil
}

// Counts reports per-buffer sample counts, minimum across tracks.
func (self *Decoder) Counts() (online int, complete int) {
	schema := self.Tracks()
	self.completeLk.Lock()
	self.onlineLk.Lock()
	online = minTrackLen(self.online, schema)
	complete = minTrackLen(self.complete, schema)
	self.onlineLk.Unlock()
	self.completeLk.Unlock()
	return online, complete
}

// OnlinePoints snapshots the tentative buffer of the primitive currently
// streaming.
func (self *Decoder) OnlinePoints(r ...Range) Batch {
	schema := self.Tracks()
	self.onlineLk.Lock()
	defer self.onlineLk.Unlock()
	return copyTracks(self.online, schema, r)
}

// CompletePoints snapshots the committed buffer of finished primitives.
func (self *Decoder) CompletePoints(r ...Range) Batch {
	schema := self.Tracks()
	self.completeLk.Lock()
	defer self.completeLk.Unlock()
	return copyTracks(self.complete, schema, r)
}

// AllPoints snapshots complete data followed by online data on the shared
// stitched timeline.
func (self *Decoder) AllPoints() Batch {
	schema := self.Tracks()
	self.completeLk.Lock()
	self.onlineLk.Lock()
	defer self.onlineLk.Unlock()
	defer self.completeLk.Unlock()

	b := make(Batch, len(schema))
	for _, tr := range schema {
		vs := make([]float64, 0, len(self.complete[tr])+len(self.online[tr]))
		vs = append(vs, self.complete[tr]...)
		vs = append(vs, self.online[tr]...)
		b[tr] = vs
	}
	return b
}

// Clear empties both buffers and resets the stitched clock. The track schema
// survives, the decode goroutine keeps running.
func (self *Decoder) Clear() {
	schema := self.Tracks()
	self.completeLk.Lock()
	self.onlineLk.Lock()
	for _, tr := range schema {
		self.online[tr] = nil
		self.complete[tr] = nil
	}
	self.cycleMax = 0
	self.baseOffset = 0
	self.onlineLk.Unlock()
	self.completeLk.Unlock()
}

// Commits delivers a copy of every committed batch to at most one consumer.
// A slow consumer loses batches (logged); the buffers remain the source of
// truth. The channel is closed when the decode goroutine exits.
func (self *Decoder) Commits() <-chan Batch { return self.commitCh }

// SinceLastFrame reports how long ago a frame finished decoding, -1 before
// the first frame. Liveness probe companion to Healthy.
func (self *Decoder) SinceLastFrame() time.Duration {
	if self.lastFrame.IsZero() {
		return -1
	}
	return atomic_clock.Since(self.lastFrame)
}

func (self *Decoder) decodeLoop() {
	defer self.alive.Done()
	defer close(self.commitCh)

	for self.alive.IsRunning() {
		tag, err := self.readU64()
		if err != nil {
			self.finish(err)
			return
		}
		length, err := self.readU64()
		if err != nil {
			self.finish(err)
			return
		}

		switch tag {
		case packetMeasurementTracks:
			err = self.decodeTracks()
		case packetDataLight:
			err = self.decodeDataLight(length)
		case packetDataLightBulk:
			err = self.decodeBulk(length)
		case packetDataLightBulkAppendum:
			err = self.decodeAppendum(length)
		case packetMeasurementHeader:
			err = self.decodeHeader()
		default:
			err = fault.NewProtocolErrorf("unknown packet tag=%#016x", tag)
		}
		if err != nil {
			self.finish(err)
			return
		}
		self.lastTag = tag
		self.lastFrame.SetNow()
	}
	self.finish(nil)
}

// finish records the terminating fault and marks the decoder dead. Read
// errors during a regular Stop are not faults.
func (self *Decoder) finish(err error) {
	if err != nil && !self.alive.IsRunning() && !fault.IsProtocol(err) {
		err = nil
	}
	if err != nil && !fault.IsProtocol(err) {
		err = fault.NewConnectionError("telemetry read", err)
	}
	if err != nil {
		self.log.Errorf("telemetry: %v", err)
		self.errLk.Lock()
		self.err = err
		self.errLk.Unlock()
	}
	self.alive.Stop()
	_ = self.conn.Close()
}

func (self *Decoder) decodeTracks() error {
	n, err := self.readU64()
	if err != nil {
		return err
	}
	newSchema := make([]Track, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := self.readU64()
		if err != nil {
			return err
		}
		tr, err := trackFromWire(id)
		if err != nil {
			return err
		}
		name, err := self.readString()
		if err != nil {
			return err
		}
		unit, err := self.readString()
		if err != nil {
			return err
		}
		flags, err := self.readString()
		if err != nil {
			return err
		}
		self.log.Debugf("telemetry: track %s name=%q unit=%q flags=%q", tr, name, unit, flags)
		newSchema = append(newSchema, tr)
	}

	if old := self.Tracks(); len(old) > 0 {
		if !tracksEqual(old, newSchema) {
			return fault.NewProtocolErrorf("track schema redefinition %v -> %v", old, newSchema)
		}
		return nil
	}
	self.completeLk.Lock()
	self.onlineLk.Lock()
	for _, tr := range newSchema {
		self.online[tr] = nil
		self.complete[tr] = nil
	}
	self.onlineLk.Unlock()
	self.completeLk.Unlock()
	self.schema.Store(newSchema)
	return nil
}

func (self *Decoder) decodeDataLight(length uint64) error {
	schema := self.Tracks()
	if len(schema) == 0 {
		return fault.NewProtocolErrorf("data before track schema")
	}
	if length != uint64(len(schema))*8 {
		return fault.NewProtocolErrorf("data payload=%d bytes does not match %d tracks", length, len(schema))
	}
	return self.decodeSample(schema)
}

// decodeSample reads one value per track and appends the clock-stitched
// sample to the online buffer. Shared by live, bulk and appendum paths so
// stitching applies uniformly.
func (self *Decoder) decodeSample(schema []Track) error {
	sample := make(map[Track]float64, len(schema))
	for _, tr := range schema {
		v, err := self.readF64()
		if err != nil {
			return err
		}
		sample[tr] = v
	}
	t, ok := sample[TrackTime]
	if !ok {
		return fault.NewProtocolErrorf("no time track in sample")
	}

	self.onlineLk.Lock()
	if t > self.cycleMax {
		self.cycleMax = t
	}
	sample[TrackTime] = t + self.baseOffset
	for _, tr := range schema {
		self.online[tr] = append(self.online[tr], sample[tr])
	}
	self.onlineLk.Unlock()
	return nil
}

// decodeBulk replays all samples of a primitive whose live stream fell
// behind: drop the partial online data, decode the authoritative copy,
// commit.
func (self *Decoder) decodeBulk(length uint64) error {
	schema := self.Tracks()
	if len(schema) == 0 {
		return fault.NewProtocolErrorf("bulk before track schema")
	}
	if length < 8 {
		return fault.NewProtocolErrorf("bulk payload=%d bytes too short", length)
	}
	startIndex, err := self.readU64()
	if err != nil {
		return err
	}
	_ = startIndex // consumed per protocol, index is implicit in order

	n, err := bulkRecordCount(length-8, len(schema))
	if err != nil {
		return err
	}

	self.onlineLk.Lock()
	for _, tr := range schema {
		self.online[tr] = nil
	}
	self.onlineLk.Unlock()

	for i := uint64(0); i < n; i++ {
		if err := self.decodeSample(schema); err != nil {
			return err
		}
	}
	self.commit(schema)
	return nil
}

// decodeAppendum merges late out-of-order samples into the online buffer,
// restores chronological order by a stable joint sort on the named track,
// then commits.
func (self *Decoder) decodeAppendum(length uint64) error {
	schema := self.Tracks()
	if len(schema) == 0 {
		return fault.NewProtocolErrorf("appendum before track schema")
	}
	if length < 8 {
		return fault.NewProtocolErrorf("appendum payload=%d bytes too short", length)
	}
	keyID, err := self.readU64()
	if err != nil {
		return err
	}
	key, err := trackFromWire(keyID)
	if err != nil {
		return err
	}
	if !trackInSchema(schema, key) {
		return fault.NewProtocolErrorf("appendum sort key %s not in schema %v", key, schema)
	}

	n, err := bulkRecordCount(length-8, len(schema))
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		if err := self.decodeSample(schema); err != nil {
			return err
		}
	}

	self.sortOnlineBy(schema, key)
	self.commit(schema)
	return nil
}

func (self *Decoder) decodeHeader() error {
	mtype, err := self.readU64()
	if err != nil {
		return err
	}
	state, err := self.readU64()
	if err != nil {
		return err
	}
	flags, err := self.readString()
	if err != nil {
		return err
	}
	name, err := self.readString()
	if err != nil {
		return err
	}

	hs := HeaderState(state)
	self.log.Debugf("telemetry: header name=%q type=%d state=%s flags=%q", name, mtype, hs, flags)

	// A primitive may end without a trailing bulk frame. The device then
	// reports DONE immediately followed by FINISHING; whatever is still
	// online belongs to the finished primitive and is committed here.
	if hs == StateFinishing &&
		self.lastTag == packetMeasurementHeader &&
		self.haveHeader && self.lastHeaderState == StateDone {
		if schema := self.Tracks(); len(schema) > 0 {
			self.commit(schema)
		}
	}
	self.lastHeaderState = hs
	self.haveHeader = true
	return nil
}

// commit moves online data to the complete buffer and advances the stitched
// clock: baseOffset grows by the finished primitive's maximum local time.
func (self *Decoder) commit(schema []Track) {
	var batch Batch
	self.completeLk.Lock()
	self.onlineLk.Lock()
	batch = copyTracks(self.online, schema, nil)
	for _, tr := range schema {
		self.complete[tr] = append(self.complete[tr], self.online[tr]...)
		self.online[tr] = nil
	}
	self.baseOffset += self.cycleMax
	self.cycleMax = 0
	self.onlineLk.Unlock()
	self.completeLk.Unlock()

	if minTrackLen(batch, schema) == 0 {
		return
	}
	select {
	case self.commitCh <- batch:
	default:
		self.log.Errorf("telemetry: commit subscriber too slow, dropped batch of %d points", minTrackLen(batch, schema))
	}
}

func (self *Decoder) sortOnlineBy(schema []Track, key Track) {
	self.onlineLk.Lock()
	defer self.onlineLk.Unlock()

	keys := self.online[key]
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	// stable: ties keep decode order
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
	for _, tr := range schema {
		vs := self.online[tr]
		sorted := make([]float64, len(vs))
		for i, j := range idx {
			sorted[i] = vs[j]
		}
		self.online[tr] = sorted
	}
}

func (self *Decoder) readU64() (uint64, error) {
	b, err := transport.ReadExactly(self.br, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (self *Decoder) readF64() (float64, error) {
	u, err := self.readU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

func (self *Decoder) readString() (string, error) {
	s, err := self.br.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

func bulkRecordCount(payload uint64, tracks int) (uint64, error) {
	recordSize := uint64(tracks) * 8
	if payload%recordSize != 0 {
		return 0, fault.NewProtocolErrorf("bulk payload=%d bytes is not a whole number of %d-track records", payload, tracks)
	}
	return payload / recordSize, nil
}

func minTrackLen(data map[Track][]float64, schema []Track) int {
	if len(schema) == 0 {
		return 0
	}
	min := -1
	for _, tr := range schema {
		if n := len(data[tr]); min < 0 || n < min {
			min = n
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

func copyTracks(data map[Track][]float64, schema []Track, rs []Range) Batch {
	b := make(Batch, len(schema))
	for _, tr := range schema {
		vs := data[tr]
		lo, hi := 0, len(vs)
		if len(rs) > 0 {
			r := rs[0]
			if r.Min > 0 {
				lo = r.Min
			}
			if r.Max > 0 && r.Max < hi {
				hi = r.Max
			}
			if lo > hi {
				lo = hi
			}
		}
		b[tr] = append([]float64(nil), vs[lo:hi]...)
	}
	return b
}

func tracksEqual(a, b []Track) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func trackInSchema(schema []Track, tr Track) bool {
	for _, x := range schema {
		if x == tr {
			return true
		}
	}
	return false
}
