package envvar

const (
	// DetserveEnv is the environment variable used to determine the environment
	DetserveEnv = "DETSERVE_ENV"

	// DetserveConfig is the environment variable pointing at the server config file
	DetserveConfig = "DETSERVE_CONFIG"

	// DetserveModelDir is the environment variable used to determine the model directory
	DetserveModelDir = "DETSERVE_MODEL_DIR"

	// DetserveModelsPath is the environment variable used to determine the download cache
	DetserveModelsPath = "DETSERVE_MODELS_PATH"

	// DetserveServerHTTPPort is the environment variable used to determine the HTTP port
	DetserveServerHTTPPort = "DETSERVE_SERVER_HTTP_PORT"

	// DetserveServerGRPCPort is the environment variable used to determine the gRPC port
	DetserveServerGRPCPort = "DETSERVE_SERVER_GRPC_PORT"

	// DetserveLogLevel is the environment variable used to determine the log level
	DetserveLogLevel = "DETSERVE_LOG_LEVEL"

	// SageMakerBindToPort is set by the hosting platform to the port the
	// container must listen on
	SageMakerBindToPort = "SAGEMAKER_BIND_TO_PORT"

	// SageMakerModelDir is set by the hosting platform to the unpacked model artifacts
	SageMakerModelDir = "SM_MODEL_DIR"

	// ONNXRuntimeSharedLibraryPath points at libonnxruntime
	ONNXRuntimeSharedLibraryPath = "ONNXRUNTIME_SHARED_LIBRARY_PATH"
)
