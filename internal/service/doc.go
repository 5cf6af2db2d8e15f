package service

// Package service supervises a game server process and everything around it.
//
// Overview
// Server owns a single run of the server process: it spawns it with piped
// standard streams, pumps its output to the output bus and stops it either
// gracefully (stop command, bounded wait, then kill) or as part of a backup
// (save command, stop command, archive). A Server is used once, Stop and
// Backup consume it.
//
// Jobs are the activities around the server:
//   - output sink, the only consumer of the output bus, prints "[LEVEL] text"
//     to the console and relays it to the remote chat
//   - console input forwards lines typed into warden to the input bus
//   - remote listener accepts commands of the single authorized chat user
//   - backup scheduler queues the backup command on a cron or interval
//   - metrics endpoint serves prometheus counters
//
// Dispatcher is the only consumer of the input bus. It recognizes two
// commands, stop and backup, everything else is written to the server.
//
// Data flow:
//
//   console ----\                               /--> console
//   remote  -----+--> input bus --> Dispatcher  |
//   scheduler --/                      |        +--> remote relay
//                                      v        |
//                                   Server --> output bus --> output sink
//                                 (stdin)    (stdout, stderr, logs)
//
// Invariants:
//   - The server process is dead when Stop or Backup returns.
//   - The server dying without Stop or Backup aborts warden.
//   - Messages of a single producer keep their order on both buses.
//   - Remote messages of other than the authorized user never reach the
//     input bus.
