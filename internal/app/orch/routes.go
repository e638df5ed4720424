package orch

import "github.com/dkeye/WatchRoom/internal/ratelimit"

type route struct {
	class     ratelimit.Class
	needsRoom bool
	record    bool
	handle    func(o *Orchestrator, c *call) error
}

// routes is the dispatch table, keyed by the command's type field.
var routes = map[string]route{
	"join":      {class: ratelimit.ClassJoin, record: true, handle: (*Orchestrator).handleJoin},
	"leave":     {needsRoom: true, handle: (*Orchestrator).handleLeave},
	"load":      {class: ratelimit.ClassPlayback, needsRoom: true, record: true, handle: (*Orchestrator).handleLoad},
	"play":      {class: ratelimit.ClassPlayback, needsRoom: true, record: true, handle: (*Orchestrator).handlePlay},
	"pause":     {class: ratelimit.ClassPlayback, needsRoom: true, record: true, handle: (*Orchestrator).handlePause},
	"seek":      {class: ratelimit.ClassPlayback, needsRoom: true, record: true, handle: (*Orchestrator).handleSeek},
	"setRate":   {class: ratelimit.ClassPlayback, needsRoom: true, record: true, handle: (*Orchestrator).handleSetRate},
	"raiseHand": {class: ratelimit.ClassHand, needsRoom: true, record: true, handle: (*Orchestrator).handleRaiseHand},
	"lowerHand": {class: ratelimit.ClassHand, needsRoom: true, record: true, handle: (*Orchestrator).handleLowerHand},
	"promote":   {class: ratelimit.ClassRoles, needsRoom: true, record: true, handle: (*Orchestrator).handlePromote},
	"demote":    {class: ratelimit.ClassRoles, needsRoom: true, record: true, handle: (*Orchestrator).handleDemote},
	"chatSend":  {class: ratelimit.ClassChat, needsRoom: true, record: true, handle: (*Orchestrator).handleChat},
	"signal":    {class: ratelimit.ClassSignal, needsRoom: true, handle: (*Orchestrator).handleSignal},
	"publish":   {class: ratelimit.ClassSignal, needsRoom: true, record: true, handle: (*Orchestrator).handlePublish},
	"syncCheck": {class: ratelimit.ClassSignal, needsRoom: true, handle: (*Orchestrator).handleSyncCheck},
}
