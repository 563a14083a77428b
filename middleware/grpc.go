// This file documents the grpcmw sub-package, kept separate so importing
// this package doesn't pull google.golang.org/grpc as a mandatory
// dependency. See grpcmw.UnaryServerInterceptor for the concrete adapter.
//
// Server setup:
//
//	limiter, _ := throttlegate.New("api", 1000, 50*time.Second, throttlegate.GCRA, store)
//	server := grpc.NewServer(
//	    grpc.UnaryInterceptor(grpcmw.UnaryServerInterceptor(limiter, grpcmw.KeyByPeer)),
//	)
//
// Key extractors:
//
//	grpcmw.KeyByPeer                 — peer address from the connection
//	grpcmw.KeyByMetadata("x-api-key") — value from incoming metadata
package middleware
