package objectstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/mosaicnetworks/mural/src/node"
	"github.com/mosaicnetworks/mural/src/object"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// mapRequest is the state of a mapping in flight, shared by the mapping
// caller and the receiver goroutine.
type mapRequest struct {
	sync.Mutex

	obj          *object.Object
	objectID     uuid.UUID
	instanceID   uint32
	requested    object.Version
	masterNodeID uuid.UUID

	// held access to the instance cache, or nil
	cached *CacheEntry

	// set by MapObjectSuccess
	inst      *instance
	attachErr error

	aborted bool
}

// releaseCache must be called with the lock held.
func (r *mapRequest) releaseCache(c *InstanceCache) {
	if r.cached != nil {
		c.Release(r.objectID, 1)
		r.cached = nil
	}
}

// FindMasterNodeID returns the id of the node holding the master instance of
// an object: this node, or the first connected peer claiming it. Each peer is
// given timeout to answer.
func (s *ObjectStore) FindMasterNodeID(objectID uuid.UUID, timeout time.Duration) (uuid.UUID, error) {
	if s.masterOf(objectID) != nil {
		return s.node.ID(), nil
	}

	for _, peer := range s.node.Peers() {
		requestID := s.node.RegisterPeerRequest(peer.ID, nil)

		err := s.node.Send(peer.ID, packet.NewNodePacket(packet.CmdNodeFindMasterNodeID, &packet.FindMasterNodeID{
			ObjectID:  objectID,
			RequestID: requestID,
		}))
		if err != nil {
			s.node.ServeRequest(requestID, err)
		}

		res, err := s.node.WaitRequest(requestID, timeout)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"peer":  peer.String(),
				"error": err,
			}).Debug("FindMasterNodeID")
			continue
		}

		if id := res.(uuid.UUID); id != uuid.Nil {
			return id, nil
		}
	}

	return uuid.Nil, ErrMasterNotFound
}

func (s *ObjectStore) cmdFindMasterNodeID(cmd *command.Command) dispatch.Result {
	var req packet.FindMasterNodeID
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding FindMasterNodeID")
		return dispatch.Error
	}

	masterNodeID := uuid.Nil
	if s.masterOf(req.ObjectID) != nil {
		masterNodeID = s.node.ID()
	}

	err := s.node.Reply(cmd, packet.NewNodePacket(packet.CmdNodeFindMasterNodeIDReply, &packet.FindMasterNodeIDReply{
		RequestID:    req.RequestID,
		MasterNodeID: masterNodeID,
	}))
	if err != nil {
		s.logger.WithField("error", err).Debug("Replying to FindMasterNodeID")
	}
	return dispatch.Handled
}

func (s *ObjectStore) cmdFindMasterNodeIDReply(cmd *command.Command) dispatch.Result {
	var rep packet.FindMasterNodeIDReply
	if err := cmd.Decode(&rep); err != nil {
		s.logger.WithField("error", err).Error("Decoding FindMasterNodeIDReply")
		return dispatch.Error
	}

	s.node.ServeRequest(rep.RequestID, rep.MasterNodeID)
	return dispatch.Handled
}

// MapObjectAsync starts mapping obj as a slave instance of objectID, at the
// requested version. The returned request id is given to MapObjectSync. When
// no master is found, the request is already failed.
func (s *ObjectStore) MapObjectAsync(obj *object.Object, objectID uuid.UUID, version object.Version, timeout time.Duration) (uint32, error) {
	if obj.IsAttached() {
		return 0, object.ErrAttached
	}

	req := &mapRequest{
		obj:       obj,
		objectID:  objectID,
		requested: version,
	}

	s.mapStates.Store(objectID, ResolvingMaster)

	masterNodeID, err := s.FindMasterNodeID(objectID, timeout)
	if err != nil {
		requestID := s.node.RegisterRequest(req)
		s.node.ServeRequest(requestID, err)
		s.mapStates.Store(objectID, Error)
		return requestID, nil
	}

	req.masterNodeID = masterNodeID
	req.instanceID = s.genInstanceID()

	msg := &packet.MapObject{
		ObjectID:         objectID,
		InstanceID:       req.instanceID,
		RequestedVersion: version,
		MasterInstanceID: packet.InstanceNone,
		MinCachedVersion: object.VersionInvalid,
		MaxCachedVersion: object.VersionInvalid,
	}

	if entry, ok := s.cache.Access(objectID); ok {
		req.cached = entry
		msg.UseCache = true
		msg.MasterInstanceID = entry.MasterInstanceID
		msg.MinCachedVersion = entry.Min
		msg.MaxCachedVersion = entry.Max
	}

	requestID := s.node.RegisterPeerRequest(masterNodeID, req)
	msg.RequestID = requestID

	s.mapStates.Store(objectID, Mapping)

	if err := s.node.Send(masterNodeID, packet.NewNodePacket(packet.CmdNodeMapObject, msg)); err != nil {
		s.node.ServeRequest(requestID, err)
	}

	return requestID, nil
}

// MapObjectSync waits for a mapping started by MapObjectAsync and brings the
// slave instance to the mapped version.
func (s *ObjectStore) MapObjectSync(requestID uint32, timeout time.Duration) error {
	data, ok := s.node.RequestData(requestID)
	if !ok {
		return node.ErrUnknownRequest
	}
	req := data.(*mapRequest)

	res, err := s.node.WaitRequest(requestID, timeout)
	if err != nil {
		s.abortMap(req)
		return err
	}

	req.Lock()
	inst := req.inst
	req.Unlock()

	scm, ok := inst.cm.(*object.SlaveCM)
	if !ok {
		s.abortMap(req)
		return ErrMapFailed
	}

	if err := scm.ApplyMapData(res.(object.Version), s.conf.RequestTimeout); err != nil {
		s.abortMap(req)
		return errors.Wrap(err, "applying map data")
	}

	s.mapStates.Store(req.objectID, Attached)
	metrics.ObjectMappings.WithLabelValues("mapped").Inc()

	s.logger.WithFields(logrus.Fields{
		"object":   req.objectID.String(),
		"instance": req.instanceID,
		"version":  scm.Version().String(),
	}).Debug("MapObject")

	return nil
}

// MapObject maps obj as a slave instance of objectID and waits until it holds
// the requested version.
func (s *ObjectStore) MapObject(obj *object.Object, objectID uuid.UUID, version object.Version, timeout time.Duration) error {
	requestID, err := s.MapObjectAsync(obj, objectID, version, timeout)
	if err != nil {
		return err
	}
	return s.MapObjectSync(requestID, timeout)
}

// abortMap undoes a failed mapping.
func (s *ObjectStore) abortMap(req *mapRequest) {
	req.Lock()
	req.aborted = true
	req.releaseCache(s.cache)
	inst := req.inst
	req.inst = nil
	req.Unlock()

	s.mapStates.Store(req.objectID, Error)
	metrics.ObjectMappings.WithLabelValues("failed").Inc()

	if inst == nil {
		return
	}

	if scm, ok := inst.cm.(*object.SlaveCM); ok {
		err := s.node.Send(scm.MasterNodeID(), packet.NewNodePacket(packet.CmdNodeUnsubscribeObject, &packet.UnsubscribeObject{
			ObjectID:         req.objectID,
			MasterInstanceID: scm.MasterInstanceID(),
			SlaveInstanceID:  inst.instanceID,
		}))
		if err != nil {
			s.logger.WithField("error", err).Debug("Unsubscribing aborted mapping")
		}
	}
	s.detachInstance(req.objectID, inst)
}

// cmdMapObject runs on the master node. The slave receives MapObjectSuccess,
// then the instance data and finally MapObjectReply.
func (s *ObjectStore) cmdMapObject(cmd *command.Command) dispatch.Result {
	var req packet.MapObject
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding MapObject")
		return dispatch.Error
	}

	reply := &packet.MapObjectReply{
		ObjectID:      req.ObjectID,
		RequestID:     req.RequestID,
		MasterNodeID:  s.node.ID(),
		Version:       object.VersionInvalid,
		CachedVersion: object.VersionInvalid,
	}

	defer func() {
		if err := s.node.Reply(cmd, packet.NewNodePacket(packet.CmdNodeMapObjectReply, reply)); err != nil {
			s.logger.WithField("error", err).Debug("Replying to MapObject")
		}
	}()

	inst := s.masterOf(req.ObjectID)
	if inst == nil {
		s.logger.WithField("object", req.ObjectID.String()).Warn("MapObject for unknown master")
		return dispatch.Handled
	}
	cm := inst.cm.(*object.MasterCM)

	if !validVersion(req.RequestedVersion, cm.OldestVersion(), cm.HeadVersion()) {
		s.logger.WithFields(logrus.Fields{
			"object":    req.ObjectID.String(),
			"requested": req.RequestedVersion.String(),
		}).Warn("MapObject for unavailable version")
		return dispatch.Handled
	}

	err := s.node.Reply(cmd, packet.NewNodePacket(packet.CmdNodeMapObjectSuccess, &packet.MapObjectSuccess{
		ObjectID:         req.ObjectID,
		RequestID:        req.RequestID,
		InstanceID:       req.InstanceID,
		MasterInstanceID: inst.instanceID,
		MasterNodeID:     s.node.ID(),
	}))
	if err != nil {
		s.logger.WithField("error", err).Debug("Sending MapObjectSuccess")
		return dispatch.Handled
	}

	start, cached, err := cm.AddSlave(cmd.From(), req.InstanceID, req.RequestedVersion, object.CacheHint{
		UseCache:         req.UseCache,
		MasterInstanceID: req.MasterInstanceID,
		Min:              req.MinCachedVersion,
		Max:              req.MaxCachedVersion,
	})
	if err != nil {
		s.logger.WithField("error", err).Warn("AddSlave")
		return dispatch.Handled
	}

	reply.Version = start
	reply.CachedVersion = cached
	reply.Result = true
	return dispatch.Handled
}

func validVersion(requested, oldest, head object.Version) bool {
	switch requested {
	case object.VersionOldest, object.VersionHead, object.VersionNext:
		return true
	}
	return oldest.LessEq(requested) && requested.LessEq(head)
}

// cmdMapObjectSuccess attaches the slave instance before its instance data
// arrives.
func (s *ObjectStore) cmdMapObjectSuccess(cmd *command.Command) dispatch.Result {
	var msg packet.MapObjectSuccess
	if err := cmd.Decode(&msg); err != nil {
		s.logger.WithField("error", err).Error("Decoding MapObjectSuccess")
		return dispatch.Error
	}

	data, ok := s.node.RequestData(msg.RequestID)
	if !ok {
		return dispatch.Discard
	}
	req := data.(*mapRequest)

	req.Lock()
	defer req.Unlock()

	if req.aborted || req.inst != nil {
		return dispatch.Discard
	}

	cm := object.NewSlaveCM(s.node, msg.MasterNodeID, msg.MasterInstanceID)
	detach, err := req.obj.Attach(msg.ObjectID, msg.InstanceID, cm)
	if err != nil {
		req.attachErr = err
		return dispatch.Handled
	}

	req.inst = &instance{
		obj:        req.obj,
		instanceID: msg.InstanceID,
		cm:         cm,
		detach:     detach,
	}
	s.addInstance(msg.ObjectID, req.inst)

	return dispatch.Handled
}

// cmdMapObjectReply ends a mapping. Cached versions the master did not send
// are queued ahead of the received ones.
func (s *ObjectStore) cmdMapObjectReply(cmd *command.Command) dispatch.Result {
	var rep packet.MapObjectReply
	if err := cmd.Decode(&rep); err != nil {
		s.logger.WithField("error", err).Error("Decoding MapObjectReply")
		return dispatch.Error
	}

	data, ok := s.node.RequestData(rep.RequestID)
	if !ok {
		return dispatch.Discard
	}
	req := data.(*mapRequest)

	req.Lock()
	req.masterNodeID = rep.MasterNodeID

	if !rep.Result || req.inst == nil {
		err := req.attachErr
		if err == nil {
			err = ErrMapFailed
		}
		req.Unlock()
		s.node.ServeRequest(rep.RequestID, err)
		return dispatch.Handled
	}

	if rep.CachedVersion != object.VersionInvalid && req.cached != nil {
		scm := req.inst.cm.(*object.SlaveCM)
		scm.AddInstanceDatas(req.cached.Streams(), req.cached.Max)
	}
	req.releaseCache(s.cache)
	req.Unlock()

	s.node.ServeRequest(rep.RequestID, rep.Version)
	return dispatch.Handled
}

// cmdObjectInstance caches instance data and queues it on the slave instances
// it is addressed to.
func (s *ObjectStore) cmdObjectInstance(cmd *command.Command) dispatch.Result {
	var data packet.ObjectInstance
	if err := cmd.Decode(&data); err != nil {
		s.logger.WithField("error", err).Error("Decoding ObjectInstance")
		return dispatch.Error
	}

	cached := s.cache.Add(data.ObjectID, data.MasterInstanceID, data.MasterNodeID, cmd, data.Version, data.Full)

	delivered := false
	for _, inst := range s.instancesOf(data.ObjectID) {
		scm, ok := inst.cm.(*object.SlaveCM)
		if !ok {
			continue
		}
		if data.InstanceID == packet.InstanceAll {
			if scm.MasterInstanceID() != data.MasterInstanceID || scm.MasterNodeID() != data.MasterNodeID {
				continue
			}
		} else if inst.instanceID != data.InstanceID {
			continue
		}

		if err := scm.AddInstanceData(cmd, &data); err != nil {
			s.logger.WithFields(logrus.Fields{
				"object":   data.ObjectID.String(),
				"instance": inst.instanceID,
				"error":    err,
			}).Error("Queueing instance data")
			return dispatch.Error
		}
		delivered = true
	}

	if !delivered && !cached {
		return dispatch.Discard
	}
	return dispatch.Handled
}

// UnmapObject detaches the slave instance obj. The master is asked to drop the
// slave first, unless it is unreachable.
func (s *ObjectStore) UnmapObject(obj *object.Object) error {
	inst := s.findObject(obj)
	if inst == nil {
		return ErrNotRegistered
	}
	scm, ok := inst.cm.(*object.SlaveCM)
	if !ok {
		return object.ErrNotSlave
	}
	objectID := obj.ID()
	masterNodeID := scm.MasterNodeID()

	_, connected := s.node.Peer(masterNodeID)
	if connected || masterNodeID == s.node.ID() {
		requestID := s.node.RegisterPeerRequest(masterNodeID, nil)

		err := s.node.Send(masterNodeID, packet.NewNodePacket(packet.CmdNodeUnsubscribeObject, &packet.UnsubscribeObject{
			ObjectID:         objectID,
			RequestID:        requestID,
			MasterInstanceID: scm.MasterInstanceID(),
			SlaveInstanceID:  inst.instanceID,
		}))
		if err != nil {
			s.node.ServeRequest(requestID, err)
		}

		// DetachObject detaches the instance before serving the request
		if _, err := s.node.WaitRequest(requestID, s.conf.RequestTimeout); err == nil {
			return nil
		}
		s.logger.WithField("object", objectID.String()).Debug("Master did not answer UnsubscribeObject")
	}

	if s.findObject(obj) == inst {
		s.detachInstance(objectID, inst)
	}
	return nil
}

// cmdUnsubscribeObject runs on the master node.
func (s *ObjectStore) cmdUnsubscribeObject(cmd *command.Command) dispatch.Result {
	var req packet.UnsubscribeObject
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding UnsubscribeObject")
		return dispatch.Error
	}

	if inst := s.findInstance(req.ObjectID, req.MasterInstanceID); inst != nil {
		if cm, ok := inst.cm.(*object.MasterCM); ok {
			cm.RemoveSlave(cmd.From(), req.SlaveInstanceID)
		}
	}

	err := s.node.Reply(cmd, packet.NewNodePacket(packet.CmdNodeDetachObject, &packet.DetachObject{
		ObjectID:   req.ObjectID,
		RequestID:  req.RequestID,
		InstanceID: req.SlaveInstanceID,
	}))
	if err != nil {
		s.logger.WithField("error", err).Debug("Replying to UnsubscribeObject")
	}
	return dispatch.Handled
}

// cmdDetachObject runs on the slave node.
func (s *ObjectStore) cmdDetachObject(cmd *command.Command) dispatch.Result {
	var req packet.DetachObject
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding DetachObject")
		return dispatch.Error
	}

	if inst := s.findInstance(req.ObjectID, req.InstanceID); inst != nil && !inst.cm.IsMaster() {
		s.detachInstance(req.ObjectID, inst)
	}

	if req.RequestID != 0 {
		s.node.ServeRequest(req.RequestID, true)
	}
	return dispatch.Handled
}
