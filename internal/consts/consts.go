// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package consts names the configuration keys shared across packages.
package consts

const (
	// Logging settings
	LoggingFormat = "logging.format"
	LoggingLevel  = "logging.level"
	LoggingSource = "logging.source"

	// Telemetry HTTP endpoint, serves /metrics, /healthz and /debug.
	TelemetryHTTPPort = "telemetry.httpPort"

	// Worker settings
	WorkerHosts         = "worker.hosts"
	WorkerMode          = "worker.mode"
	WorkerBackoff       = "worker.backoff"
	WorkerIdlePoll      = "worker.idlePoll"
	WorkerCacheCapacity = "worker.cacheCapacity"
	WorkerEngine        = "worker.engine"
	WorkerMaxSteps      = "worker.maxSteps"

	// Transport settings
	TransportKind          = "transport.kind"
	TransportTimeout       = "transport.timeout"
	TransportLinger        = "transport.linger"
	TransportMaxFrameBytes = "transport.maxFrameBytes"
	TransportFECShardSize  = "transport.fec.shardSize"
	TransportFECRedundancy = "transport.fec.redundancy"
	TransportKCPWindow     = "transport.kcp.window"

	// Threaded queue backend settings
	QueueReceiveBound = "queue.receiveBound"
	QueueSendBound    = "queue.sendBound"
	QueueSendAttempts = "queue.sendAttempts"
	QueueSendBackoff  = "queue.sendBackoff"

	// Evaluation server settings
	ServerListen          = "server.listen"
	ServerRequeueInterval = "server.requeueInterval"

	// Redis settings
	RedisHostName               = "redis.hostname"
	RedisPort                   = "redis.port"
	RedisPassword               = "redis.password"
	RedisConnMaxIdle            = "redis.pool.maxIdle"
	RedisConnMaxActive          = "redis.pool.maxActive"
	RedisConnIdleTimeout        = "redis.pool.idleTimeout"
	RedisConnHealthCheckTimeout = "redis.pool.healthCheckTimeout"
	RedisJobLease               = "redis.jobLease"
)
