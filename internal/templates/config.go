package templates

import "os"

const configTemplate = `# classifier-server configuration.
# Every key can also be set through a CLASSIFIER_ prefixed environment
# variable, e.g. CLASSIFIER_PORT or CLASSIFIER_MODEL_PATH.

host: localhost
port: 8000
environment: dev
filesystem_type: local
max_upload_size: 5242880
max_image_pixels: 89478485
upload_workers: 10

model:
  # Relative paths are resolved against models_dir.
  path: model.onnx
  config_path: model_config.json
  image_size: 224
  retry_failed_load: true
  load_on_startup: false

db:
  driver: sqlite

# s3:
#   endpoint_url: "https://nyc3.digitaloceanspaces.com"
#   region_name: "nyc3"
#   bucket_name: "classifier-uploads"
#   folder: "public"
#   vanity_url: ""

# pulsar:
#   url: "pulsar://localhost:6650"
`

const envTemplate = `# Secrets for classifier-server. Values here do not override variables
# already present in the environment.
# CLASSIFIER_S3_ACCESS_KEY=
# CLASSIFIER_S3_SECRET_KEY=
# CLASSIFIER_DB_DSN=
`

func GetConfigTemplate() string {
	return configTemplate
}

func GetEnvTemplate() string {
	return envTemplate
}

func WriteConfig(path string) error {
	return writeTemplate(path, GetConfigTemplate())
}

func WriteEnv(path string) error {
	return writeTemplate(path, GetEnvTemplate())
}

func writeTemplate(path, content string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(content)
	return err
}
