package objectstore

import (
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/dispatch"
	"github.com/mosaicnetworks/mural/src/object"
	"github.com/mosaicnetworks/mural/src/packet"
	"github.com/sirupsen/logrus"
)

// RegisterObject attaches obj as the master instance of its object id. The
// registration runs on the command goroutine of the node, which must be
// running. Nothing is sent to other nodes.
func (s *ObjectStore) RegisterObject(obj *object.Object) error {
	if obj.IsAttached() {
		return object.ErrAttached
	}
	return s.localRequest(packet.CmdNodeRegisterObject, obj, func(requestID uint32) interface{} {
		return &packet.RegisterObject{ObjectID: obj.ID(), RequestID: requestID}
	})
}

// DeregisterObject detaches the master instance obj. The slave nodes are told
// to detach their instances.
func (s *ObjectStore) DeregisterObject(obj *object.Object) error {
	return s.localRequest(packet.CmdNodeDeregisterObject, obj, func(requestID uint32) interface{} {
		return &packet.DeregisterObject{ObjectID: obj.ID(), RequestID: requestID}
	})
}

// localRequest sends a node command to the command goroutine and waits for it
// to be executed.
func (s *ObjectStore) localRequest(cmd uint32, obj *object.Object, body func(uint32) interface{}) error {
	requestID := s.node.RegisterRequest(obj)

	if err := s.node.SendLocal(packet.NewNodePacket(cmd, body(requestID))); err != nil {
		s.node.ServeRequest(requestID, err)
	}

	_, err := s.node.WaitRequest(requestID, s.conf.RequestTimeout)
	return err
}

func (s *ObjectStore) cmdRegisterObject(cmd *command.Command) dispatch.Result {
	var req packet.RegisterObject
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding RegisterObject")
		return dispatch.Error
	}

	data, ok := s.node.RequestData(req.RequestID)
	if !ok {
		return dispatch.Discard
	}
	obj := data.(*object.Object)

	if len(s.instancesOf(req.ObjectID)) > 0 {
		s.node.ServeRequest(req.RequestID, ErrAlreadyRegistered)
		return dispatch.Handled
	}

	instanceID := s.genInstanceID()
	cm := object.NewMasterCM(s.node, s.history, s.conf.Versions, s.conf.RequestTimeout)

	detach, err := obj.Attach(req.ObjectID, instanceID, cm)
	if err != nil {
		s.node.ServeRequest(req.RequestID, err)
		return dispatch.Handled
	}

	s.addInstance(req.ObjectID, &instance{
		obj:        obj,
		instanceID: instanceID,
		cm:         cm,
		detach:     detach,
	})

	s.logger.WithFields(logrus.Fields{
		"object":   req.ObjectID.String(),
		"instance": instanceID,
	}).Debug("RegisterObject")

	s.node.ServeRequest(req.RequestID, true)
	return dispatch.Handled
}

func (s *ObjectStore) cmdDeregisterObject(cmd *command.Command) dispatch.Result {
	var req packet.DeregisterObject
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding DeregisterObject")
		return dispatch.Error
	}

	data, ok := s.node.RequestData(req.RequestID)
	if !ok {
		return dispatch.Discard
	}
	obj := data.(*object.Object)

	inst := s.findObject(obj)
	if inst == nil || !inst.cm.IsMaster() {
		s.node.ServeRequest(req.RequestID, ErrNotRegistered)
		return dispatch.Handled
	}

	cm := inst.cm.(*object.MasterCM)
	for _, nodeID := range cm.SlaveNodes() {
		err := s.node.Send(nodeID, packet.NewNodePacket(packet.CmdNodeUnmapObject, &packet.UnmapObject{
			ObjectID: req.ObjectID,
		}))
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"slave": nodeID.String(),
				"error": err,
			}).Debug("Sending UnmapObject")
		}
	}

	s.detachInstance(req.ObjectID, inst)

	s.logger.WithField("object", req.ObjectID.String()).Debug("DeregisterObject")

	s.node.ServeRequest(req.RequestID, true)
	return dispatch.Handled
}

// cmdUnmapObject detaches the slave instances of an object whose master was
// deregistered by the sender.
func (s *ObjectStore) cmdUnmapObject(cmd *command.Command) dispatch.Result {
	var req packet.UnmapObject
	if err := cmd.Decode(&req); err != nil {
		s.logger.WithField("error", err).Error("Decoding UnmapObject")
		return dispatch.Error
	}

	found := false
	for _, inst := range s.instancesOf(req.ObjectID) {
		scm, ok := inst.cm.(*object.SlaveCM)
		if !ok || scm.MasterNodeID() != cmd.From() {
			continue
		}
		s.detachInstance(req.ObjectID, inst)
		found = true
	}

	if !found {
		return dispatch.Discard
	}
	return dispatch.Handled
}
