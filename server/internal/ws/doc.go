// Package ws implements the progress hub for the stream checker server.
//
// Hub is a pipeline.Observer. Every finished stage is pushed to connected
// clients as a "stage" event and every finished run as a "run_finished"
// event carrying the full result record. On connect, and then on every tick
// of Run, clients receive a "status" event listing the runs still in flight.
//
// Message format sent to clients:
//
//	{
//	  "event": "stage",
//	  "data":  {"testRunId": "...", "stage": "player_test", "index": 2, "state": "success", ...}
//	}
//
// Clients that pass ?testRunId=<id> only receive events of that run. Status
// events go to everyone. The endpoint is mounted at /ws/progress.
package ws
