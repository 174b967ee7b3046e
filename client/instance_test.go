// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package client

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mc "github.com/couchbase/gomemcached"
	"github.com/stretchr/testify/assert"

	"github.com/couchbase/gokvclient/base"
	"github.com/couchbase/gokvclient/wire"
)

type handlerFunc func(req *mc.MCRequest, frameExtras []byte) *mc.MCResponse

// fakeConn parses the frames the pipeline writes and answers them
// through the node's handler.
type fakeConn struct {
	lock      sync.Mutex
	wbuf      []byte
	readCh    chan []byte
	leftover  []byte
	closed    chan struct{}
	closeOnce sync.Once
	handler   handlerFunc
}

func newFakeConn(handler handlerFunc) *fakeConn {
	return &fakeConn{
		readCh:  make(chan []byte, 64),
		closed:  make(chan struct{}),
		handler: handler,
	}
}

func (fc *fakeConn) Write(buf []byte) (int, error) {
	select {
	case <-fc.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	fc.lock.Lock()
	fc.wbuf = append(fc.wbuf, buf...)
	var responses [][]byte
	for {
		if len(fc.wbuf) < mc.HDR_LEN {
			break
		}
		bodyLen := wire.ResponseBodyLen(fc.wbuf[:mc.HDR_LEN])
		total := mc.HDR_LEN + bodyLen
		if len(fc.wbuf) < total {
			break
		}
		frame := make([]byte, total)
		copy(frame, fc.wbuf[:total])
		fc.wbuf = fc.wbuf[total:]

		req, fx, err := wire.DecodeRequest(frame[:mc.HDR_LEN], frame[mc.HDR_LEN:])
		if err != nil {
			continue
		}
		if resp := fc.handler(req, fx); resp != nil {
			resp.Opaque = req.Opaque
			responses = append(responses, resp.Bytes())
		}
	}
	fc.lock.Unlock()

	for _, frame := range responses {
		select {
		case fc.readCh <- frame:
		case <-fc.closed:
		}
	}
	return len(buf), nil
}

func (fc *fakeConn) Read(buf []byte) (int, error) {
	if len(fc.leftover) > 0 {
		n := copy(buf, fc.leftover)
		fc.leftover = fc.leftover[n:]
		return n, nil
	}
	select {
	case frame := <-fc.readCh:
		n := copy(buf, frame)
		fc.leftover = frame[n:]
		return n, nil
	case <-fc.closed:
		return 0, io.EOF
	}
}

func (fc *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (fc *fakeConn) Close() error {
	fc.closeOnce.Do(func() { close(fc.closed) })
	return nil
}

// fakeCluster wires one handler per endpoint into a ConnFactory.
type fakeCluster struct {
	lock     sync.Mutex
	handlers map[string]handlerFunc
	requests map[string]int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		handlers: make(map[string]handlerFunc),
		requests: make(map[string]int),
	}
}

func (fc *fakeCluster) setHandler(endpoint string, handler handlerFunc) {
	fc.lock.Lock()
	fc.handlers[endpoint] = handler
	fc.lock.Unlock()
}

func (fc *fakeCluster) requestCount(endpoint string) int {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.requests[endpoint]
}

func (fc *fakeCluster) factory() base.ConnFactory {
	return func(endpoint string) (base.ConnIface, error) {
		return newFakeConn(func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
			fc.lock.Lock()
			fc.requests[endpoint]++
			handler := fc.handlers[endpoint]
			fc.lock.Unlock()
			if handler == nil {
				return &mc.MCResponse{Opcode: req.Opcode, Status: mc.EINVAL}
			}
			return handler(req, fx)
		}), nil
	}
}

func testClusterMap(version uint64, endpoints []string, numVBuckets, numReplicas int, caps base.Capability, masterShift int) *base.ClusterMap {
	servers := make([]base.ServerEntry, len(endpoints))
	for i, ep := range endpoints {
		servers[i] = base.ServerEntry{Endpoint: ep, Capabilities: caps}
	}
	vbmap := make([][]int, numVBuckets)
	for vb := range vbmap {
		entry := make([]int, numReplicas+1)
		for pos := range entry {
			entry[pos] = (pos + masterShift) % len(endpoints)
		}
		vbmap[vb] = entry
	}
	return &base.ClusterMap{
		Version:     version,
		NumReplicas: numReplicas,
		Servers:     servers,
		VBucketMap:  vbmap,
	}
}

// miniStore is an in-memory bucket the default handler serves.
type miniStore struct {
	lock   sync.Mutex
	docs   map[string]*miniDoc
	casCtr uint64
	seqno  uint64
	tokens bool
}

type miniDoc struct {
	value []byte
	flags uint32
	cas   uint64
}

func newMiniStore(tokens bool) *miniStore {
	return &miniStore{docs: make(map[string]*miniDoc), tokens: tokens}
}

func (ms *miniStore) writeExtras() []byte {
	if !ms.tokens {
		return nil
	}
	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:8], 0x1122334455667788)
	binary.BigEndian.PutUint64(extras[8:16], ms.seqno)
	return extras
}

func (ms *miniStore) handle(req *mc.MCRequest, fx []byte) *mc.MCResponse {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	key := string(req.Key)
	switch req.Opcode {
	case mc.SET, mc.ADD, mc.REPLACE:
		if req.Opcode == mc.ADD {
			if _, ok := ms.docs[key]; ok {
				return &mc.MCResponse{Opcode: req.Opcode, Status: mc.KEY_EEXISTS}
			}
		}
		ms.casCtr++
		ms.seqno++
		var flags uint32
		if len(req.Extras) >= 4 {
			flags = binary.BigEndian.Uint32(req.Extras[0:4])
		}
		ms.docs[key] = &miniDoc{value: append([]byte(nil), req.Body...), flags: flags, cas: ms.casCtr}
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Cas: ms.casCtr, Extras: ms.writeExtras()}

	case mc.GET:
		doc, ok := ms.docs[key]
		if !ok {
			return &mc.MCResponse{Opcode: req.Opcode, Status: mc.KEY_ENOENT}
		}
		extras := make([]byte, 4)
		binary.BigEndian.PutUint32(extras, doc.flags)
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Cas: doc.cas, Extras: extras, Body: doc.value}

	case mc.DELETE:
		if _, ok := ms.docs[key]; !ok {
			return &mc.MCResponse{Opcode: req.Opcode, Status: mc.KEY_ENOENT}
		}
		delete(ms.docs, key)
		ms.casCtr++
		ms.seqno++
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Cas: ms.casCtr, Extras: ms.writeExtras()}
	}
	return &mc.MCResponse{Opcode: req.Opcode, Status: mc.EINVAL}
}

func newTestInstance(settings *base.Settings, cluster *fakeCluster, cmap *base.ClusterMap) *Instance {
	inst := NewInstance(settings, cluster.factory(), nil)
	inst.ApplyClusterMap(cmap)
	return inst
}

func TestSimpleUpsertThenGet(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	store := newMiniStore(false)
	cluster.setHandler("node-a:11210", store.handle)
	cmap := testClusterMap(1, []string{"node-a:11210"}, 1024, 0, 0, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	storeDone := make(chan *StoreResponse, 1)
	err := inst.Store("cookie-1", &StoreCommand{
		Operation: StoreUpsert,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Flags:     0xcafe,
	}, func(resp *StoreResponse, err error) {
		assert.Nil(err)
		storeDone <- resp
	})
	assert.Nil(err)

	stored := <-storeDone
	assert.Equal("cookie-1", stored.Cookie)
	assert.NotZero(stored.Cas)
	assert.True(stored.StoreOk)

	getDone := make(chan *GetResponse, 1)
	err = inst.Get("cookie-2", &GetCommand{Key: []byte("k")}, func(resp *GetResponse, err error) {
		assert.Nil(err)
		getDone <- resp
	})
	assert.Nil(err)

	got := <-getDone
	assert.Equal([]byte("v"), got.Value)
	assert.Equal(uint32(0xcafe), got.Flags)
	assert.NotZero(got.Cas)
}

func TestRemoveThenGetNotFound(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	store := newMiniStore(false)
	cluster.setHandler("node-a:11210", store.handle)
	cmap := testClusterMap(1, []string{"node-a:11210"}, 64, 0, 0, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	done := make(chan error, 1)
	assert.Nil(inst.Store(nil, &StoreCommand{Operation: StoreUpsert, Key: []byte("k"), Value: []byte("v")},
		func(resp *StoreResponse, err error) { done <- err }))
	assert.Nil(<-done)

	assert.Nil(inst.Remove(nil, &RemoveCommand{Key: []byte("k")},
		func(resp *RemoveResponse, err error) { done <- err }))
	assert.Nil(<-done)

	assert.Nil(inst.Get(nil, &GetCommand{Key: []byte("k")},
		func(resp *GetResponse, err error) { done <- err }))
	assert.Equal(base.ErrorDocumentNotFound, <-done)
}

func TestMutationTokenInvariant(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	store := newMiniStore(true)
	cluster.setHandler("node-a:11210", store.handle)
	cmap := testClusterMap(1, []string{"node-a:11210"}, 1024, 0, base.CapabilityMutationTokens, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	key := []byte("token-key")
	done := make(chan *StoreResponse, 1)
	assert.Nil(inst.Store(nil, &StoreCommand{Operation: StoreUpsert, Key: key, Value: []byte("v")},
		func(resp *StoreResponse, err error) {
			assert.Nil(err)
			done <- resp
		}))

	resp := <-done
	assert.True(resp.Token.IsSet())
	assert.Equal(base.VBucketForKey(key, 1024), resp.Token.VBucket)
	assert.True(resp.Token.Seqno > 0)
}

func TestReplicaFanoutAll(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	endpoints := []string{"m:11210", "r0:11210", "r1:11210", "r2:11210"}
	success := func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
		extras := make([]byte, 4)
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Cas: 5, Extras: extras, Body: []byte("rv")}
	}
	failure := func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.KEY_ENOENT}
	}
	cluster.setHandler("r0:11210", success)
	cluster.setHandler("r1:11210", failure)
	cluster.setHandler("r2:11210", success)

	cmap := testClusterMap(1, endpoints, 64, 3, 0, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	type result struct {
		resp *GetResponse
		err  error
	}
	results := make(chan result, 3)
	err := inst.GetReplica(nil, &GetReplicaCommand{Key: []byte("k"), Strategy: ReplicaAll},
		func(resp *GetResponse, err error) {
			results <- result{resp: resp, err: err}
		})
	assert.Nil(err)

	var finals, successes, failures int
	for i := 0; i < 3; i++ {
		r := <-results
		if r.resp.Final {
			finals++
			// FINAL only on the last delivery
			assert.Equal(2, i)
		}
		if r.err == nil {
			successes++
		} else {
			failures++
		}
	}
	assert.Equal(1, finals)
	assert.Equal(2, successes)
	assert.Equal(1, failures)
	assert.Equal(0, len(results))
}

func TestReplicaFirstSkipsFailures(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	endpoints := []string{"m:11210", "r0:11210", "r1:11210"}
	cluster.setHandler("r0:11210", func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.KEY_ENOENT}
	})
	cluster.setHandler("r1:11210", func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Extras: make([]byte, 4), Body: []byte("second")}
	})

	cmap := testClusterMap(1, endpoints, 64, 2, 0, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	done := make(chan *GetResponse, 2)
	err := inst.GetReplica(nil, &GetReplicaCommand{Key: []byte("k"), Strategy: ReplicaFirst},
		func(resp *GetResponse, err error) {
			assert.Nil(err)
			done <- resp
		})
	assert.Nil(err)

	got := <-done
	assert.Equal([]byte("second"), got.Value)
	assert.True(got.Final)
	assert.Equal(1, cluster.requestCount("r0:11210"))
	assert.Equal(1, cluster.requestCount("r1:11210"))
}

func TestNotMyVbucketSilentRetry(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	endpoints := []string{"old-master:11210", "new-master:11210"}
	cluster.setHandler("old-master:11210", func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.NOT_MY_VBUCKET}
	})
	cluster.setHandler("new-master:11210", func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Extras: make([]byte, 4), Body: []byte("v")}
	})

	v1 := testClusterMap(1, endpoints, 64, 0, 0, 0)
	inst := newTestInstance(nil, cluster, v1)
	defer inst.Close()

	var refreshes int32
	inst.SetRefreshRequestedHandler(func() {
		if atomic.AddInt32(&refreshes, 1) == 1 {
			v2 := testClusterMap(2, endpoints, 64, 0, 0, 1)
			inst.ApplyClusterMap(v2)
		}
	})

	callbacks := make(chan error, 2)
	values := make(chan []byte, 2)
	err := inst.Get(nil, &GetCommand{Key: []byte("k")}, func(resp *GetResponse, err error) {
		callbacks <- err
		values <- resp.Value
	})
	assert.Nil(err)

	assert.Nil(<-callbacks)
	assert.Equal([]byte("v"), <-values)

	// one silent retry, one user callback
	assert.Equal(int32(1), atomic.LoadInt32(&refreshes))
	assert.Equal(1, cluster.requestCount("old-master:11210"))
	assert.Equal(1, cluster.requestCount("new-master:11210"))
	assert.Equal(0, len(callbacks))
}

func TestDurabilityPollTimeout(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	store := newMiniStore(true)
	cluster.setHandler("node-a:11210", store.handle)
	cmap := testClusterMap(1, []string{"node-a:11210"}, 64, 0, base.CapabilityMutationTokens, 0)

	settings := base.DefaultSettings()
	settings.DurabilityTimeout = time.Microsecond
	inst := newTestInstance(settings, cluster, cmap)
	defer inst.Close()

	done := make(chan struct {
		resp *StoreResponse
		err  error
	}, 1)
	err := inst.Store(nil, &StoreCommand{
		Operation:  StoreUpsert,
		Key:        []byte("k"),
		Value:      []byte("v"),
		Durability: Durability{Mode: DurabilityPoll, PersistTo: 1},
	}, func(resp *StoreResponse, err error) {
		done <- struct {
			resp *StoreResponse
			err  error
		}{resp, err}
	})
	assert.Nil(err)

	got := <-done
	assert.Equal(base.ErrorTimeout, got.err)
	assert.True(got.resp.StoreOk)
	assert.NotZero(got.resp.Cas)
}

func TestDurabilityPollSucceeds(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	var storedCas uint64 = 42
	cluster.setHandler("node-a:11210", func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
		switch req.Opcode {
		case mc.SET:
			return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Cas: storedCas}
		case mc.OBSERVE:
			// echo the key entry back as persisted with the stored cas
			keyLen := int(binary.BigEndian.Uint16(req.Body[2:4]))
			body := make([]byte, 0, len(req.Body)+9)
			body = append(body, req.Body[:4+keyLen]...)
			body = append(body, base.ObserveStatusPersisted)
			body = binary.BigEndian.AppendUint64(body, storedCas)
			return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Body: body}
		}
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.EINVAL}
	})
	cmap := testClusterMap(1, []string{"node-a:11210"}, 64, 0, 0, 0)

	settings := base.DefaultSettings()
	settings.DurabilityInterval = 5 * time.Millisecond
	inst := newTestInstance(settings, cluster, cmap)
	defer inst.Close()

	done := make(chan error, 1)
	err := inst.Store(nil, &StoreCommand{
		Operation:  StoreUpsert,
		Key:        []byte("k"),
		Value:      []byte("v"),
		Durability: Durability{Mode: DurabilityPoll, PersistTo: 1},
	}, func(resp *StoreResponse, err error) {
		done <- err
	})
	assert.Nil(err)
	assert.Nil(<-done)
}

func TestDurabilityValidation(t *testing.T) {
	assert := assert.New(t)

	cmap := testClusterMap(1, []string{"a:11210", "b:11210"}, 64, 1, 0, 0)

	// zero/zero is meaningless
	_, _, err := validatePollDurability(cmap, Durability{Mode: DurabilityPoll})
	assert.Equal(base.ErrorInvalidArgument, err)

	// more copies than the cluster holds
	_, _, err = validatePollDurability(cmap, Durability{Mode: DurabilityPoll, PersistTo: 3, ReplicateTo: 2})
	assert.Equal(base.ErrorDurabilityTooMany, err)

	// -1 requests the maximum and caps
	persist, replicate, err := validatePollDurability(cmap, Durability{Mode: DurabilityPoll, PersistTo: -1, ReplicateTo: -1})
	assert.Nil(err)
	assert.Equal(2, persist)
	assert.Equal(1, replicate)

	// cap-max clamps explicit excess
	persist, replicate, err = validatePollDurability(cmap, Durability{Mode: DurabilityPoll, PersistTo: 5, ReplicateTo: 5, CapMax: true})
	assert.Nil(err)
	assert.Equal(2, persist)
	assert.Equal(1, replicate)
}

func TestEndureRequiresMutationTokens(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	cmap := testClusterMap(1, []string{"a:11210"}, 64, 0, 0, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	err := inst.Endure(nil, &EndureCommand{
		Key:        []byte("k"),
		SeqnoBased: true,
		PersistTo:  1,
	}, func(resp *EndureResponse, err error) {})
	assert.Equal(base.ErrorDurabilityNoMutationTokens, err)
}

func TestCollectionResolverSingleFlight(t *testing.T) {
	assert := assert.New(t)

	const cid = uint32(0xAA)
	var lookups int32

	cluster := newFakeCluster()
	cluster.setHandler("node-a:11210", func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
		switch req.Opcode {
		case mc.COLLECTIONS_GET_CID:
			atomic.AddInt32(&lookups, 1)
			time.Sleep(50 * time.Millisecond)
			extras := make([]byte, 12)
			binary.BigEndian.PutUint32(extras[8:12], cid)
			return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Extras: extras}
		case mc.GET:
			gotCid, n := base.Uleb128Decode(req.Key)
			if gotCid != cid || n == 0 {
				return &mc.MCResponse{Opcode: req.Opcode, Status: mc.KEY_ENOENT}
			}
			return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Extras: make([]byte, 4), Body: []byte("cv")}
		}
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.EINVAL}
	})

	cmap := testClusterMap(1, []string{"node-a:11210"}, 64, 0, base.CapabilityCollections, 0)
	settings := base.DefaultSettings()
	settings.UseCollections = true
	inst := newTestInstance(settings, cluster, cmap)
	defer inst.Close()

	ns := base.CollectionNamespace{ScopeName: "s", CollectionName: "c"}
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		err := inst.Get(nil, &GetCommand{Key: []byte("k"), Collection: ns},
			func(resp *GetResponse, err error) {
				if err == nil {
					assert.Equal([]byte("cv"), resp.Value)
				}
				done <- err
			})
		assert.Nil(err)
	}

	assert.Nil(<-done)
	assert.Nil(<-done)
	assert.Equal(int32(1), atomic.LoadInt32(&lookups))

	// the cache now answers without another lookup
	cachedCid, ok := inst.collCache.Lookup(ns)
	assert.True(ok)
	assert.Equal(cid, cachedCid)
}

func TestAppendWithExpiryRejected(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	cmap := testClusterMap(1, []string{"node-a:11210"}, 64, 0, 0, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	err := inst.Store(nil, &StoreCommand{
		Operation: StoreAppend,
		Key:       []byte("k"),
		Value:     []byte("x"),
		Expiry:    5,
	}, func(resp *StoreResponse, err error) {
		t.Fatal("no callback expected for synchronous rejection")
	})
	assert.Equal(base.ErrorOptionsConflict, err)

	err = inst.Store(nil, &StoreCommand{
		Operation: StorePrepend,
		Key:       []byte("k"),
		Value:     []byte("x"),
		Flags:     1,
	}, func(resp *StoreResponse, err error) {
		t.Fatal("no callback expected for synchronous rejection")
	})
	assert.Equal(base.ErrorOptionsConflict, err)

	// nothing reached the wire
	assert.Equal(0, cluster.requestCount("node-a:11210"))
}

func TestInsertWithCasRejected(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	cmap := testClusterMap(1, []string{"node-a:11210"}, 64, 0, 0, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	err := inst.Store(nil, &StoreCommand{
		Operation: StoreInsert,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Cas:       7,
	}, func(resp *StoreResponse, err error) {})
	assert.Equal(base.ErrorOptionsConflict, err)
}

func TestEmptyKeyRejected(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	cmap := testClusterMap(1, []string{"node-a:11210"}, 64, 0, 0, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	assert.Equal(base.ErrorEmptyKey, inst.Get(nil, &GetCommand{}, func(resp *GetResponse, err error) {}))
	assert.Equal(base.ErrorEmptyKey, inst.Store(nil, &StoreCommand{Operation: StoreUpsert}, func(resp *StoreResponse, err error) {}))
	assert.Equal(base.ErrorEmptyKey, inst.Remove(nil, &RemoveCommand{}, func(resp *RemoveResponse, err error) {}))

	long := make([]byte, base.MaxKeyLength+1)
	for i := range long {
		long[i] = 'x'
	}
	assert.Equal(base.ErrorKeyTooLong, inst.Get(nil, &GetCommand{Key: long}, func(resp *GetResponse, err error) {}))
}

func TestDeferredCommandsRunOnFirstMap(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	store := newMiniStore(false)
	cluster.setHandler("node-a:11210", store.handle)

	inst := NewInstance(nil, cluster.factory(), nil)
	defer inst.Close()

	done := make(chan error, 1)
	err := inst.Store(nil, &StoreCommand{Operation: StoreUpsert, Key: []byte("k"), Value: []byte("v")},
		func(resp *StoreResponse, err error) { done <- err })
	assert.Nil(err)
	assert.Equal(0, len(done))

	inst.ApplyClusterMap(testClusterMap(1, []string{"node-a:11210"}, 64, 0, 0, 0))
	assert.Nil(<-done)
}

func TestObserveContext(t *testing.T) {
	assert := assert.New(t)

	cluster := newFakeCluster()
	cluster.setHandler("node-a:11210", func(req *mc.MCRequest, fx []byte) *mc.MCResponse {
		if req.Opcode != mc.OBSERVE {
			return &mc.MCResponse{Opcode: req.Opcode, Status: mc.EINVAL}
		}
		var body []byte
		remaining := req.Body
		for len(remaining) >= 4 {
			keyLen := int(binary.BigEndian.Uint16(remaining[2:4]))
			entry := remaining[:4+keyLen]
			remaining = remaining[4+keyLen:]
			body = append(body, entry...)
			body = append(body, base.ObserveStatusPersisted)
			body = binary.BigEndian.AppendUint64(body, 99)
		}
		return &mc.MCResponse{Opcode: req.Opcode, Status: mc.SUCCESS, Body: body}
	})
	cmap := testClusterMap(1, []string{"node-a:11210"}, 64, 0, 0, 0)
	inst := newTestInstance(nil, cluster, cmap)
	defer inst.Close()

	ctx := inst.NewObserveContext()
	assert.Nil(ctx.Add(&ObserveCommand{Key: []byte("k1")}))
	assert.Nil(ctx.Add(&ObserveCommand{Key: []byte("k2")}))

	results := make(chan *ObserveResponse, 4)
	assert.Nil(ctx.Done(nil, func(resp *ObserveResponse, err error) {
		assert.Nil(err)
		results <- resp
	}))

	var entries, finals int
	for i := 0; i < 3; i++ {
		resp := <-results
		if resp.Final {
			finals++
		} else {
			entries++
			assert.Equal(base.ObserveStatusPersisted, resp.Status)
			assert.Equal(uint64(99), resp.Cas)
			assert.True(resp.IsMaster)
		}
	}
	assert.Equal(2, entries)
	assert.Equal(1, finals)
}
