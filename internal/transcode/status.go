package transcode

import "google.golang.org/grpc/codes"

// grpcStatusToHTTP maps a gRPC status code to the HTTP status the
// transcoded response carries. Mirrors the grpc-gateway mapping:
// https://github.com/grpc/grpc/blob/master/doc/http-grpc-status-mapping.md
func grpcStatusToHTTP(code codes.Code) int {
	switch code {
	case codes.OK:
		return 200
	case codes.Canceled:
		return 499
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return 400
	case codes.Unauthenticated:
		return 401
	case codes.PermissionDenied:
		return 403
	case codes.NotFound:
		return 404
	case codes.AlreadyExists, codes.Aborted:
		return 409
	case codes.ResourceExhausted:
		return 429
	case codes.DeadlineExceeded:
		return 504
	case codes.Unimplemented:
		return 501
	case codes.Unavailable:
		return 503
	case codes.Unknown, codes.Internal, codes.DataLoss:
		return 500
	default:
		return 500
	}
}
