// Package api exposes a chat session over gRPC. Requests and responses are
// google.protobuf.Struct values, so the service is registered by hand rather
// than from generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "chatsync.v1.ChatSession"

// Method names of the ChatSession service.
const (
	MethodStatus          = "Status"
	MethodOpenChat        = "OpenChat"
	MethodCloseChat       = "CloseChat"
	MethodSendMessage     = "SendMessage"
	MethodRetrySend       = "RetrySend"
	MethodEditMessage     = "EditMessage"
	MethodDeleteMessage   = "DeleteMessage"
	MethodForwardMessage  = "ForwardMessage"
	MethodMarkRead        = "MarkRead"
	MethodLoadMore        = "LoadMore"
	MethodSearch          = "Search"
	MethodSetTyping       = "SetTyping"
	MethodIsOnline        = "IsOnline"
	MethodGetSettings     = "GetSettings"
	MethodSetSoundEnabled = "SetSoundEnabled"
	MethodWatchChat       = "WatchChat"

	MethodListContacts          = "ListContacts"
	MethodAddContact            = "AddContact"
	MethodRemoveContact         = "RemoveContact"
	MethodUpdateContactMetadata = "UpdateContactMetadata"
	MethodSetProfile            = "SetProfile"
	MethodWatchContacts         = "WatchContacts"
)

// ChatSessionServer is the server side of the ChatSession service.
type ChatSessionServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetrySend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EditMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ForwardMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsOnline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSettings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetSoundEnabled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchChat(*structpb.Struct, ViewStream) error

	ListContacts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateContactMetadata(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchContacts(*structpb.Struct, ViewStream) error
}

// ViewStream is the server end of WatchChat and WatchContacts.
type ViewStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type viewStream struct {
	grpc.ServerStream
}

func (s viewStream) Send(v *structpb.Struct) error { return s.SendMsg(v) }

type unaryCall func(ChatSessionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatSessionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatSessionServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchChatHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatSessionServer).WatchChat(in, viewStream{stream})
}

func watchContactsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatSessionServer).WatchContacts(in, viewStream{stream})
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the ChatSession service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ChatSessionServer.Status),
		unary(MethodOpenChat, ChatSessionServer.OpenChat),
		unary(MethodCloseChat, ChatSessionServer.CloseChat),
		unary(MethodSendMessage, ChatSessionServer.SendMessage),
		unary(MethodRetrySend, ChatSessionServer.RetrySend),
		unary(MethodEditMessage, ChatSessionServer.EditMessage),
		unary(MethodDeleteMessage, ChatSessionServer.DeleteMessage),
		unary(MethodForwardMessage, ChatSessionServer.ForwardMessage),
		unary(MethodMarkRead, ChatSessionServer.MarkRead),
		unary(MethodLoadMore, ChatSessionServer.LoadMore),
		unary(MethodSearch, ChatSessionServer.Search),
		unary(MethodSetTyping, ChatSessionServer.SetTyping),
		unary(MethodIsOnline, ChatSessionServer.IsOnline),
		unary(MethodGetSettings, ChatSessionServer.GetSettings),
		unary(MethodSetSoundEnabled, ChatSessionServer.SetSoundEnabled),
		unary(MethodListContacts, ChatSessionServer.ListContacts),
		unary(MethodAddContact, ChatSessionServer.AddContact),
		unary(MethodRemoveContact, ChatSessionServer.RemoveContact),
		unary(MethodUpdateContactMetadata, ChatSessionServer.UpdateContactMetadata),
		unary(MethodSetProfile, ChatSessionServer.SetProfile),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchChat,
			Handler:       watchChatHandler,
			ServerStreams: true,
		},
		{
			StreamName:    MethodWatchContacts,
			Handler:       watchContactsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/chat_session.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ChatSessionServer) {
	s.RegisterService(&ServiceDesc, srv)
}
