package client

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type SkullsFunction func(skulls []*Skull)
type QuicksFunction func(quicks []*Quick)
type OccurrencesFunction func(occurrences []*Occurrence)

type EditResult struct {
	Change string
}

type EditCallback apiCallback[*EditResult]

type queuedCall struct {
	run  func() error
	done chan error
}

// Store maintains the local cache of the three entity collections,
// orchestrates fetch-if-absent, applies server pushes, and fans out change
// notifications. It observes the socket only through registered callbacks
// and never mutates its internals.
type Store struct {
	socket *Socket

	stateLock sync.Mutex

	skulls      []*Skull
	quicks      []*Quick
	occurrences []*Occurrence

	hasSkulls bool
	hasQuicks bool
	// the earliest instant for which the occurrence cache is complete
	occurrencesSince *time.Time

	fetchingSkulls      bool
	fetchingQuicks      bool
	fetchingOccurrences bool

	queued []*queuedCall

	skullCallbacks      *CallbackList[SkullsFunction]
	quickCallbacks      *CallbackList[QuicksFunction]
	occurrenceCallbacks *CallbackList[OccurrencesFunction]

	unsubState func()
	unsubPush  func()
}

func NewStore(socket *Socket) *Store {
	store := &Store{
		socket:              socket,
		skullCallbacks:      NewCallbackList[SkullsFunction](),
		quickCallbacks:      NewCallbackList[QuicksFunction](),
		occurrenceCallbacks: NewCallbackList[OccurrencesFunction](),
	}
	store.unsubPush = socket.AddPushHandler(store.handlePush)
	store.unsubState = socket.AddStateCallback(store.handleState)
	return store
}

func (self *Store) Socket() *Socket {
	return self.socket
}

// Dispose detaches the store from its socket. Queued calls are rejected.
func (self *Store) Dispose() {
	self.unsubState()
	self.unsubPush()
	self.rejectQueued()
}

func (self *Store) AddSkullsCallback(callback SkullsFunction) func() {
	callbackId := self.skullCallbacks.Add(callback)
	return func() {
		self.skullCallbacks.Remove(callbackId)
	}
}

func (self *Store) AddQuicksCallback(callback QuicksFunction) func() {
	callbackId := self.quickCallbacks.Add(callback)
	return func() {
		self.quickCallbacks.Remove(callbackId)
	}
}

func (self *Store) AddOccurrencesCallback(callback OccurrencesFunction) func() {
	callbackId := self.occurrenceCallbacks.Add(callback)
	return func() {
		self.occurrenceCallbacks.Remove(callbackId)
	}
}

func (self *Store) handleState(state SocketState) {
	switch state {
	case SocketStateOpen:
		// reconcile pushes missed while disconnected, then flush the queue
		go self.refetchLoaded()
		self.flushQueued()
	case SocketStateConnecting:
		// still retrying. keep the queue.
	default:
		// terminal settlement. queued callers are rejected, not silently
		// dropped.
		self.rejectQueued()
	}
}

// wrapRequest runs the request now when the socket is open, otherwise queues
// it FIFO for the next transition to open. Callers of a queued request block
// until it flushes or the connection settles terminally.
func (self *Store) wrapRequest(request func() error) error {
	if self.socket.State() == SocketStateOpen {
		return request()
	}

	call := &queuedCall{
		run:  request,
		done: make(chan error, 1),
	}
	self.stateLock.Lock()
	self.queued = append(self.queued, call)
	self.stateLock.Unlock()

	// the state may have settled while enqueueing
	switch self.socket.State() {
	case SocketStateOpen:
		self.flushQueued()
	case SocketStateConnecting:
	default:
		self.rejectQueued()
	}

	return <-call.done
}

func (self *Store) takeQueued() []*queuedCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	queued := self.queued
	self.queued = nil
	return queued
}

func (self *Store) flushQueued() {
	flush := self.takeQueued()
	if len(flush) == 0 {
		return
	}
	go func() {
		for _, call := range flush {
			call.done <- call.run()
		}
	}()
}

func (self *Store) rejectQueued() {
	for _, call := range self.takeQueued() {
		call.done <- ErrTransportUnusable
	}
}

func (self *Store) IsSkullsLoaded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.hasSkulls
}

// EnsureSkulls issues a fetch only when the collection has never been fully
// loaded and no fetch is already in flight. Concurrent callers during an
// in-flight fetch return immediately and learn the result from the broadcast.
func (self *Store) EnsureSkulls() error {
	self.stateLock.Lock()
	if self.hasSkulls || self.fetchingSkulls {
		self.stateLock.Unlock()
		return nil
	}
	self.fetchingSkulls = true
	self.stateLock.Unlock()

	err := self.wrapRequest(func() error {
		skulls, err := listSkulls(self.socket)

		self.stateLock.Lock()
		self.fetchingSkulls = false
		if err != nil {
			self.stateLock.Unlock()
			return err
		}
		self.hasSkulls = true
		self.stateLock.Unlock()

		self.setSkulls(skulls, true)
		return nil
	})
	if err != nil {
		// the request may have been rejected before it ran
		self.stateLock.Lock()
		self.fetchingSkulls = false
		self.stateLock.Unlock()
	}
	return err
}

func (self *Store) Skulls() []*Skull {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.skulls)
}

func (self *Store) IsQuicksLoaded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.hasQuicks
}

func (self *Store) EnsureQuicks() error {
	self.stateLock.Lock()
	if self.hasQuicks || self.fetchingQuicks {
		self.stateLock.Unlock()
		return nil
	}
	self.fetchingQuicks = true
	self.stateLock.Unlock()

	err := self.wrapRequest(func() error {
		quicks, err := listQuicks(self.socket)

		self.stateLock.Lock()
		self.fetchingQuicks = false
		if err != nil {
			self.stateLock.Unlock()
			return err
		}
		self.hasQuicks = true
		self.stateLock.Unlock()

		self.setQuicks(quicks, true)
		return nil
	})
	if err != nil {
		self.stateLock.Lock()
		self.fetchingQuicks = false
		self.stateLock.Unlock()
	}
	return err
}

func (self *Store) Quicks() []*Quick {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.quicks)
}

func (self *Store) IsOccurrencesLoadedSince(start time.Time) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.isOccurrencesLoadedSinceLocked(start)
}

func (self *Store) isOccurrencesLoadedSinceLocked(start time.Time) bool {
	return self.occurrencesSince != nil && !self.occurrencesSince.After(start)
}

// EnsureOccurrences extends the loaded window back to `start`. The previously
// loaded boundary is passed as the search end so overlapping windows are not
// re-sent.
func (self *Store) EnsureOccurrences(start time.Time) error {
	self.stateLock.Lock()
	if self.isOccurrencesLoadedSinceLocked(start) || self.fetchingOccurrences {
		self.stateLock.Unlock()
		return nil
	}
	self.fetchingOccurrences = true
	var end *time.Time
	if self.occurrencesSince != nil {
		boundary := *self.occurrencesSince
		end = &boundary
	}
	self.stateLock.Unlock()

	err := self.wrapRequest(func() error {
		occurrences, err := searchOccurrences(self.socket, start, end)

		self.stateLock.Lock()
		self.fetchingOccurrences = false
		if err != nil {
			self.stateLock.Unlock()
			return err
		}
		self.occurrencesSince = &start
		self.stateLock.Unlock()

		self.setOccurrences(occurrences, true)
		return nil
	})
	if err != nil {
		self.stateLock.Lock()
		self.fetchingOccurrences = false
		self.stateLock.Unlock()
	}
	return err
}

func (self *Store) Occurrences() []*Occurrence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.occurrences)
}

// The new occurrence's server-assigned id is learned through the
// occurrencesCreated push, not the create acknowledgment.
func (self *Store) Create(proto *ProtoOccurrence, callback EditCallback) {
	go func() {
		var change string
		err := self.wrapRequest(func() error {
			c, err := createOccurrence(self.socket, proto)
			change = c
			return err
		})
		if err != nil {
			callback.Result(nil, err)
			return
		}
		callback.Result(&EditResult{Change: change}, nil)
	}()
}

func (self *Store) CreateSync(proto *ProtoOccurrence) (*EditResult, error) {
	callback, c := NewBlockingApiCallback[*EditResult]()
	self.Create(proto, callback)
	r := <-c
	return r.Result, r.Error
}

func (self *Store) Update(occurrence *Occurrence, callback EditCallback) {
	go func() {
		var change string
		err := self.wrapRequest(func() error {
			c, err := updateOccurrence(self.socket, occurrence)
			change = c
			return err
		})
		if err != nil {
			callback.Result(nil, err)
			return
		}
		callback.Result(&EditResult{Change: change}, nil)
	}()
}

func (self *Store) UpdateSync(occurrence *Occurrence) (*EditResult, error) {
	callback, c := NewBlockingApiCallback[*EditResult]()
	self.Update(occurrence, callback)
	r := <-c
	return r.Result, r.Error
}

func (self *Store) Remove(occurrence *Occurrence, callback EditCallback) {
	go func() {
		var change string
		err := self.wrapRequest(func() error {
			c, err := deleteOccurrence(self.socket, occurrence.Id)
			change = c
			return err
		})
		if err != nil {
			callback.Result(nil, err)
			return
		}
		callback.Result(&EditResult{Change: change}, nil)
	}()
}

func (self *Store) RemoveSync(occurrence *Occurrence) (*EditResult, error) {
	callback, c := NewBlockingApiCallback[*EditResult]()
	self.Remove(occurrence, callback)
	r := <-c
	return r.Result, r.Error
}

// upsert by id. an empty batch broadcasts only when forced, which propagates
// "collection is empty" after a first full load.
func (self *Store) setSkulls(skulls []*Skull, forceBroadcast bool) {
	self.stateLock.Lock()
	if len(skulls) == 0 {
		snapshot := slices.Clone(self.skulls)
		self.stateLock.Unlock()
		if forceBroadcast {
			self.broadcastSkulls(snapshot)
		}
		return
	}

	quicksUpdate := false
	for _, skull := range skulls {
		i := slices.IndexFunc(self.skulls, func(s *Skull) bool {
			return s.Id == skull.Id
		})
		if i < 0 {
			self.skulls = append(self.skulls, skull)
		} else {
			self.skulls[i] = skull
		}

		// refresh dependent quicks in place
		for _, quick := range self.quicks {
			if quick.Skull.Id == skull.Id {
				quick.Skull = skull
				quicksUpdate = true
			}
		}
	}
	skullsSnapshot := slices.Clone(self.skulls)
	var quicksSnapshot []*Quick
	if quicksUpdate {
		quicksSnapshot = slices.Clone(self.quicks)
	}
	self.stateLock.Unlock()

	self.broadcastSkulls(skullsSnapshot)
	if quicksUpdate {
		self.broadcastQuicks(quicksSnapshot)
	}
}

// deleting a skull also removes every quick referencing it.
// the quicks collection broadcasts only if at least one was removed.
func (self *Store) removeSkull(skullId int64) {
	self.stateLock.Lock()
	i := slices.IndexFunc(self.skulls, func(s *Skull) bool {
		return s.Id == skullId
	})
	if i < 0 {
		self.stateLock.Unlock()
		return
	}
	self.skulls = slices.Delete(self.skulls, i, i+1)

	quicksBefore := len(self.quicks)
	self.quicks = slices.DeleteFunc(self.quicks, func(q *Quick) bool {
		return q.Skull.Id == skullId
	})
	quicksUpdate := len(self.quicks) < quicksBefore

	skullsSnapshot := slices.Clone(self.skulls)
	var quicksSnapshot []*Quick
	if quicksUpdate {
		quicksSnapshot = slices.Clone(self.quicks)
	}
	self.stateLock.Unlock()

	if quicksUpdate {
		self.broadcastQuicks(quicksSnapshot)
	}
	self.broadcastSkulls(skullsSnapshot)
}

// quicks are a frequency-ranked derived view; the server may re-rank and
// reassign ids between refreshes, so the merge key is the (skull, amount)
// value pair, not the id. quicks referencing an unknown skull are dropped
// from the merge.
func (self *Store) setQuicks(rawQuicks []*RawQuick, forceBroadcast bool) {
	self.stateLock.Lock()
	if len(rawQuicks) == 0 {
		snapshot := slices.Clone(self.quicks)
		self.stateLock.Unlock()
		if forceBroadcast {
			self.broadcastQuicks(snapshot)
		}
		return
	}

	changed := false
	for _, rawQuick := range rawQuicks {
		i := slices.IndexFunc(self.skulls, func(s *Skull) bool {
			return s.Id == rawQuick.Skull
		})
		if i < 0 {
			glog.V(1).Infof("[st]quick %d references unknown skull %d\n", rawQuick.Id, rawQuick.Skull)
			continue
		}
		quick := &Quick{
			Id:     rawQuick.Id,
			Skull:  self.skulls[i],
			Amount: rawQuick.Amount,
		}
		j := slices.IndexFunc(self.quicks, func(q *Quick) bool {
			return q.Skull.Id == quick.Skull.Id && q.Amount == quick.Amount
		})
		if j < 0 {
			self.quicks = append(self.quicks, quick)
		} else {
			self.quicks[j] = quick
		}
		changed = true
	}
	snapshot := slices.Clone(self.quicks)
	self.stateLock.Unlock()

	if changed || forceBroadcast {
		self.broadcastQuicks(snapshot)
	}
}

// upsert by id
func (self *Store) setOccurrences(occurrences []*Occurrence, forceBroadcast bool) {
	self.stateLock.Lock()
	if len(occurrences) == 0 {
		snapshot := slices.Clone(self.occurrences)
		self.stateLock.Unlock()
		if forceBroadcast {
			self.broadcastOccurrences(snapshot)
		}
		return
	}

	for _, occurrence := range occurrences {
		i := slices.IndexFunc(self.occurrences, func(o *Occurrence) bool {
			return o.Id == occurrence.Id
		})
		if i < 0 {
			self.occurrences = append(self.occurrences, occurrence)
		} else {
			self.occurrences[i] = occurrence
		}
	}
	snapshot := slices.Clone(self.occurrences)
	self.stateLock.Unlock()

	self.broadcastOccurrences(snapshot)
}

func (self *Store) removeOccurrence(occurrenceId int64) {
	self.stateLock.Lock()
	i := slices.IndexFunc(self.occurrences, func(o *Occurrence) bool {
		return o.Id == occurrenceId
	})
	if i < 0 {
		self.stateLock.Unlock()
		return
	}
	self.occurrences = slices.Delete(self.occurrences, i, i+1)
	snapshot := slices.Clone(self.occurrences)
	self.stateLock.Unlock()

	self.broadcastOccurrences(snapshot)
}

func (self *Store) broadcastSkulls(skulls []*Skull) {
	for _, callback := range self.skullCallbacks.Get() {
		callback(skulls)
	}
}

func (self *Store) broadcastQuicks(quicks []*Quick) {
	for _, callback := range self.quickCallbacks.Get() {
		callback(quicks)
	}
}

func (self *Store) broadcastOccurrences(occurrences []*Occurrence) {
	for _, callback := range self.occurrenceCallbacks.Get() {
		callback(occurrences)
	}
}

// refetchLoaded re-issues a full fetch for every collection previously
// loaded. this reconciles any pushes missed during a disconnection window.
func (self *Store) refetchLoaded() {
	self.stateLock.Lock()
	hasSkulls := self.hasSkulls
	hasQuicks := self.hasQuicks
	var since *time.Time
	if self.occurrencesSince != nil {
		boundary := *self.occurrencesSince
		since = &boundary
	}
	self.stateLock.Unlock()

	if hasSkulls {
		go func() {
			if skulls, err := listSkulls(self.socket); err == nil {
				self.setSkulls(skulls, false)
			} else {
				glog.Infof("[st]refetch skulls error = %s\n", err)
			}
		}()
	}
	if hasQuicks {
		go func() {
			if quicks, err := listQuicks(self.socket); err == nil {
				self.setQuicks(quicks, false)
			} else {
				glog.Infof("[st]refetch quicks error = %s\n", err)
			}
		}()
	}
	if since != nil {
		go func() {
			if occurrences, err := searchOccurrences(self.socket, *since, nil); err == nil {
				self.setOccurrences(occurrences, false)
			} else {
				glog.Infof("[st]refetch occurrences error = %s\n", err)
			}
		}()
	}
}

// routes the six recognized push shapes. anything else declines the message,
// letting other push subscribers attempt it.
func (self *Store) handlePush(message *Message) bool {
	if message.Push == nil {
		return false
	}
	push := message.Push
	switch {
	case push.SkullCreated != nil:
		self.setSkulls([]*Skull{push.SkullCreated}, false)
		return true
	case push.SkullUpdated != nil:
		self.setSkulls([]*Skull{push.SkullUpdated}, false)
		return true
	case push.SkullDeleted != nil:
		self.removeSkull(*push.SkullDeleted)
		return true
	case push.OccurrencesCreated != nil:
		self.setOccurrences(push.OccurrencesCreated, false)
		return true
	case push.OccurrenceUpdated != nil:
		self.setOccurrences([]*Occurrence{push.OccurrenceUpdated}, false)
		return true
	case push.OccurrenceDeleted != nil:
		self.removeOccurrence(*push.OccurrenceDeleted)
		return true
	}
	return false
}
